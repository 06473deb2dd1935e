package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOrNil(t *testing.T) {
	var nilMap map[string]any

	for _, v := range []any{nil, nilMap} {
		data, err := jsonOrNil(v)
		require.NoError(t, err)
		assert.Nil(t, data)
	}

	data, err := jsonOrNil(map[string]any{"rate": "0.25"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rate":"0.25"}`, string(data))

	_, err = jsonOrNil(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	var m map[string]any
	require.NoError(t, decodeJSON(nil, &m))
	assert.Nil(t, m)

	require.NoError(t, decodeJSON([]byte(`{"a":1}`), &m))
	assert.Equal(t, float64(1), m["a"])

	assert.Error(t, decodeJSON([]byte(`{`), &m))
}

func TestNotFoundOr(t *testing.T) {
	err := notFoundOr(fmt.Errorf("scan: %w", pgx.ErrNoRows), "tariff", 7, "get tariff")
	assert.True(t, apperr.IsNotFound(err))

	boom := errors.New("connection reset")
	err = notFoundOr(boom, "tariff", 7, "get tariff")
	assert.False(t, apperr.IsNotFound(err))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to get tariff")
}
