package tariff

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestTariff_Validate(t *testing.T) {
	until := day("2024-12-31")
	bad := Tariff{
		Name:          strings.Repeat("x", 256),
		ActiveFrom:    day("2025-01-01"),
		ActiveUntil:   &until,
		Configuration: Configuration{Currency: "EUR", Pricing: FlatRate{Rate: decimal.NewFromInt(-1)}},
	}

	verrs := bad.Validate()

	assert.True(t, verrs.Has("provider_id"))
	assert.True(t, verrs.Has("name"))
	assert.True(t, verrs.Has("active_until"))
	assert.True(t, verrs.Has("configuration.rate"))
}

func TestTariff_Supersede(t *testing.T) {
	current := Tariff{
		ID:            7,
		TenantID:      1,
		ProviderID:    3,
		Name:          "Standard",
		Configuration: Flat(decimal.RequireFromString("0.15"), decimal.Zero),
		ActiveFrom:    day("2025-01-01"),
		Version:       4,
	}

	closed, next, err := current.Supersede(Revision{
		Name:          "Standard 2025-H2",
		Configuration: Flat(decimal.RequireFromString("0.17"), decimal.Zero),
		ActiveFrom:    day("2025-07-01"),
	})
	require.NoError(t, err)

	require.NotNil(t, closed.ActiveUntil)
	assert.Equal(t, day("2025-06-30"), *closed.ActiveUntil)
	assert.Equal(t, int64(7), closed.ID)
	assert.Equal(t, "Standard", closed.Name)

	assert.Zero(t, next.ID)
	assert.Equal(t, int64(3), next.ProviderID)
	assert.Equal(t, "Standard 2025-H2", next.Name)
	assert.True(t, next.IsActiveOn(day("2025-07-01")))
	assert.False(t, closed.IsActiveOn(day("2025-07-01")))
	assert.True(t, closed.IsActiveOn(day("2025-06-30")))

	_, _, err = current.Supersede(Revision{Name: "x", ActiveFrom: day("2024-01-01")})
	assert.Error(t, err)
}

func TestTariff_AuditValues(t *testing.T) {
	tr := Tariff{
		ProviderID:    3,
		Name:          "Standard",
		Configuration: Flat(decimal.RequireFromString("0.15"), decimal.Zero),
		ActiveFrom:    day("2025-01-01"),
	}

	values := tr.AuditValues()

	assert.Equal(t, "Standard", values["name"])
	assert.Equal(t, "2025-01-01", values["active_from"])
	assert.Nil(t, values["active_until"])
	cfg, ok := values["configuration"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "flat", cfg["type"])
	assert.Equal(t, "0.15", cfg["rate"])
}
