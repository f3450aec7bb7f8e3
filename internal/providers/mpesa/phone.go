package mpesa

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidPhone is returned when a phone number cannot be normalized to a
// valid Kenyan subscriber number. It is raised locally, before any network
// call.
var ErrInvalidPhone = errors.New("invalid phone number")

// Safaricom and Airtel subscriber numbers: 254 followed by 7xx or 1xx.
var phonePattern = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone converts the forms users actually type into the E.164-style
// 254XXXXXXXXX shape the provider expects:
//
//	0712345678   -> 254712345678
//	712345678    -> 254712345678
//	254712345678 -> 254712345678
//	+254 712 345 678 -> 254712345678
func NormalizePhone(phone string) (string, error) {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	normalized := digits.String()

	switch {
	case len(normalized) == 10 && normalized[0] == '0':
		normalized = "254" + normalized[1:]
	case len(normalized) == 9 && (normalized[0] == '7' || normalized[0] == '1'):
		normalized = "254" + normalized
	}

	if !phonePattern.MatchString(normalized) {
		return "", ErrInvalidPhone
	}
	return normalized, nil
}
