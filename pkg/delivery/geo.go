package delivery

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const earthRadiusKM = 6371.0

// ParseLocation splits a "lat,lon" string into degrees.
func ParseLocation(location string) (lat, lon float64, err error) {
	parts := strings.SplitN(location, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid location %q: want \"lat,lon\"", location)
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude in %q: %w", location, err)
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude in %q: %w", location, err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("location %q out of range", location)
	}
	return lat, lon, nil
}

// Haversine returns the great-circle distance in kilometers between two
// "lat,lon" locations.
func Haversine(from, to string) (float64, error) {
	lat1, lon1, err := ParseLocation(from)
	if err != nil {
		return 0, err
	}
	lat2, lon2, err := ParseLocation(to)
	if err != nil {
		return 0, err
	}

	lat1, lon1 = lat1*math.Pi/180, lon1*math.Pi/180
	lat2, lon2 = lat2*math.Pi/180, lon2*math.Pi/180
	dLat, dLon := lat2-lat1, lon2-lon1

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a)), nil
}

// Geocoder resolves a "lat,lon" location to an ISO country code, used
// only for short package ids.
type Geocoder interface {
	CountryCode(ctx context.Context, location string) (string, error)
}

// NopGeocoder always reports an unknown country.
type NopGeocoder struct{}

func (NopGeocoder) CountryCode(context.Context, string) (string, error) { return "", nil }

// ShortPackageID builds the human-facing package id: destination country code
// (or XX when unknown) plus the escrow pubkey's last three characters.
func ShortPackageID(countryCode, escrowPubkey string) string {
	if countryCode == "" {
		countryCode = "XX"
	}
	suffix := escrowPubkey
	if len(suffix) > 3 {
		suffix = suffix[len(suffix)-3:]
	}
	return strings.ToUpper(countryCode) + "-" + suffix
}
