package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/kjstillabower/city-geo-service/internal/geo"
	"github.com/kjstillabower/city-geo-service/internal/models"
)

// MaxCityNameLength matches the width of the cities.name column.
const MaxCityNameLength = 500

// ErrNameEmpty is returned when the name is empty or whitespace-only after trim.
var ErrNameEmpty = fmt.Errorf("%w: name is required", models.ErrValidation)

// ErrNameTooLong is returned when the name exceeds MaxCityNameLength runes.
var ErrNameTooLong = fmt.Errorf("%w: name too long", models.ErrValidation)

// ErrNameInvalidChars is returned when the name contains disallowed characters.
var ErrNameInvalidChars = fmt.Errorf("%w: name contains invalid characters", models.ErrValidation)

// ErrNameUnroutable is returned for names made only of dots; the router cleans them out of the path.
var ErrNameUnroutable = fmt.Errorf("%w: name cannot consist only of dots", models.ErrValidation)

// ErrLatitudeRange is returned for latitudes outside [-90, 90].
var ErrLatitudeRange = fmt.Errorf("%w: latitude must be between -90 and 90", models.ErrValidation)

// ErrLongitudeRange is returned for longitudes outside [-180, 180].
var ErrLongitudeRange = fmt.Errorf("%w: longitude must be between -180 and 180", models.ErrValidation)

// ValidateCityName trims the input and enforces 1..MaxCityNameLength runes. Control and
// non-printable characters are rejected, as is '/', which cannot appear in a path segment.
// Returns the trimmed name.
func ValidateCityName(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrNameEmpty
	}
	if len(r) > MaxCityNameLength {
		return "", ErrNameTooLong
	}
	for _, c := range r {
		if !isAllowedNameRune(c) {
			return "", ErrNameInvalidChars
		}
	}
	if strings.Trim(s, ".") == "" {
		return "", ErrNameUnroutable
	}
	return s, nil
}

func isAllowedNameRune(r rune) bool {
	if r == '/' || unicode.IsControl(r) {
		return false
	}
	return unicode.IsPrint(r)
}

// ValidateCoordinates checks that lat and lon are finite and within range.
func ValidateCoordinates(lat, lon float64) error {
	if !geo.ValidLatitude(lat) {
		return ErrLatitudeRange
	}
	if !geo.ValidLongitude(lon) {
		return ErrLongitudeRange
	}
	return nil
}

// ParseCoordinates parses latitude and longitude query values and validates their range.
func ParseCoordinates(latRaw, lonRaw string) (models.Coordinates, error) {
	lat, err := parseFloatParam("latitude", latRaw)
	if err != nil {
		return models.Coordinates{}, err
	}
	lon, err := parseFloatParam("longitude", lonRaw)
	if err != nil {
		return models.Coordinates{}, err
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		return models.Coordinates{}, err
	}
	return models.Coordinates{Lat: lat, Lon: lon}, nil
}

func parseFloatParam(name, raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", models.ErrValidation, name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %s out of range", models.ErrValidation, name)
		}
		return 0, fmt.Errorf("%w: %s must be a number", models.ErrValidation, name)
	}
	return v, nil
}
