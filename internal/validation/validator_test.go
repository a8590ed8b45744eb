package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/help-matching/internal/apperr"
)

type sample struct {
	Radius float64 `json:"radius_km" validate:"gte=1,lte=50"`
	Kind   string  `json:"type" validate:"required,oneof=a b"`
	Lat    float64 `json:"lat" validate:"latitude"`
}

func TestStructOK(t *testing.T) {
	require.NoError(t, Struct(sample{Radius: 5, Kind: "a", Lat: 10}))
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	err := Struct(sample{Radius: 60, Kind: "c", Lat: 91})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "radius_km must be at most 50")
	assert.Contains(t, err.Error(), "type must be one of [a b]")
	assert.Contains(t, err.Error(), "lat must be a valid latitude")
}
