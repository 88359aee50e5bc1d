package delivery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paket-core/router/pkg/delivery"
)

func TestParseLocation(t *testing.T) {
	lat, lon, err := delivery.ParseLocation("32.0853, 34.7818")
	require.NoError(t, err)
	assert.InDelta(t, 32.0853, lat, 1e-9)
	assert.InDelta(t, 34.7818, lon, 1e-9)

	for _, bad := range []string{"", "32.0853", "abc,def", "91,0", "0,181"} {
		_, _, err := delivery.ParseLocation(bad)
		assert.Error(t, err, "location %q", bad)
	}
}

func TestHaversine(t *testing.T) {
	// Tel Aviv to Jerusalem is roughly 54km.
	distance, err := delivery.Haversine("32.0853,34.7818", "31.7683,35.2137")
	require.NoError(t, err)
	assert.InDelta(t, 54, distance, 3)

	distance, err = delivery.Haversine("32.0853,34.7818", "32.0853,34.7818")
	require.NoError(t, err)
	assert.Zero(t, distance)
}

func TestShortPackageID(t *testing.T) {
	assert.Equal(t, "IL-XYZ", delivery.ShortPackageID("il", "GESCROWXYZ"))
	assert.Equal(t, "XX-XYZ", delivery.ShortPackageID("", "GESCROWXYZ"))
	assert.Equal(t, "XX-AB", delivery.ShortPackageID("", "AB"))
}
