package validator_test

import (
	"testing"

	"github.com/septivank/utility-billing/internal/validator"
	"github.com/stretchr/testify/assert"
)

type zoneDTO struct {
	ID    string `json:"id" validate:"required"`
	Start string `json:"start" validate:"required,hhmm"`
}

type sampleRequest struct {
	MeterID   int64     `json:"meter_id" validate:"required,gt=0"`
	Status    string    `json:"new_status" validate:"required,oneof=pending validated"`
	Zone      string    `json:"zone" validate:"max=5"`
	ReadingID []int64   `json:"reading_ids" validate:"required,min=1,max=2"`
	Zones     []zoneDTO `json:"zones" validate:"dive"`
}

func TestRequestValidator_FieldNamesAndMessages(t *testing.T) {
	v := validator.NewRequestValidator()

	verrs := v.Struct(sampleRequest{
		Status:    "unknown",
		Zone:      "too-long",
		ReadingID: []int64{1, 2, 3},
		Zones:     []zoneDTO{{ID: "day", Start: "7:00"}},
	})

	assert.Equal(t, []string{"is required"}, verrs["meter_id"])
	assert.Equal(t, []string{"must be one of: pending validated"}, verrs["new_status"])
	assert.Equal(t, []string{"must be at most 5 characters"}, verrs["zone"])
	assert.Equal(t, []string{"must contain at most 2 items"}, verrs["reading_ids"])
	assert.Equal(t, []string{"must be in HH:MM format"}, verrs["zones.0.start"])
}

func TestRequestValidator_Valid(t *testing.T) {
	v := validator.NewRequestValidator()

	verrs := v.Struct(sampleRequest{
		MeterID:   1,
		Status:    "pending",
		ReadingID: []int64{1},
		Zones:     []zoneDTO{{ID: "day", Start: "07:00"}},
	})

	assert.True(t, verrs.Empty())
}
