// Package validation holds field checks shared by action payloads and
// configuration. Errors are plain and name the field; callers wrap them into
// their own error type.
package validation

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"fitsync/internal/constants"
)

// ValidateIdentifier checks a required row or user identifier
func ValidateIdentifier(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if len(value) > constants.MaxIdentifierLength {
		return fmt.Errorf("%s too long (max %d characters)", fieldName, constants.MaxIdentifierLength)
	}

	// Identifiers end up in PostgREST filters
	for _, char := range value {
		if unicode.IsControl(char) {
			return fmt.Errorf("%s contains invalid characters", fieldName)
		}
	}

	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return fmt.Errorf("%s too short (min %d characters)", fieldName, minLength)
	}

	if len(value) > maxLength {
		return fmt.Errorf("%s too long (max %d characters)", fieldName, maxLength)
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return fmt.Errorf("%s too small (min %d)", fieldName, min)
	}

	if value > max {
		return fmt.Errorf("%s too large (max %d)", fieldName, max)
	}

	return nil
}

// ValidateNonNegative rejects negative and non-finite measurements
func ValidateNonNegative(value float64, fieldName string) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%s must be a finite number", fieldName)
	}
	if value < 0 {
		return fmt.Errorf("%s must not be negative", fieldName)
	}
	return nil
}

// ValidateDate checks a calendar date in YYYY-MM-DD form
func ValidateDate(value, fieldName string) error {
	if _, err := time.Parse(constants.PayloadDateLayout, value); err != nil {
		return fmt.Errorf("%s must be a date in YYYY-MM-DD form", fieldName)
	}
	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return fmt.Errorf("%s must be at least 1 second", fieldName)
	}

	if timeoutSec > constants.MaxTimeoutSec {
		return fmt.Errorf("%s too large (max %d seconds)", fieldName, constants.MaxTimeoutSec)
	}

	return nil
}
