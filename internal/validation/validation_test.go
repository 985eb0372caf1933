package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/models"
)

func TestStructReportsJSONFieldNames(t *testing.T) {
	err := Struct(models.LocationUpdate{Latitude: 91, Longitude: 0, Status: "flying"})
	require.Error(t, err)

	e := apperr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, apperr.CodeInvalidArgument, e.Code())
	details, ok := e.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "must be at most 90", details["latitude"])
	assert.Contains(t, details["status"], "must be one of")
}

func TestStructAcceptsValidUpdate(t *testing.T) {
	battery := 55.0
	assert.NoError(t, Struct(models.LocationUpdate{
		Latitude: 48.8, Longitude: 2.3, Heading: 359.9, Status: models.StatusOnline, BatteryLevel: &battery,
	}))
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"latitude":1,"longitude":1,"status":"online","bogus":1}`))
	var u models.LocationUpdate
	err := DecodeJSON(r, &u)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestDecodeJSONValidates(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"latitude":1,"longitude":1,"status":"online","speed":-3}`))
	var u models.LocationUpdate
	err := DecodeJSON(r, &u)
	require.Error(t, err)
	details := apperr.As(err).Details().(map[string]string)
	assert.Equal(t, "must be at least 0", details["speed"])
}

func TestStructHeadingExcludesFullCircle(t *testing.T) {
	err := Struct(models.LocationUpdate{Heading: 360, Status: models.StatusOnline})
	require.Error(t, err)
	details := apperr.As(err).Details().(map[string]string)
	assert.Equal(t, "must be less than 360", details["heading"])
}
