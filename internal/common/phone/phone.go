// Package phone normalizes Kenyan mobile numbers to the 254XXXXXXXXX form
// the payment gateway and the account directory key on.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalid = errors.New("invalid phone number")

var pattern = regexp.MustCompile(`^(?:\+?254|0)?([71]\d{8})$`)

// Normalize accepts 07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX, 2547XXXXXXXX or
// the bare 9-digit subscriber number, with optional spaces or hyphens.
func Normalize(raw string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	m := pattern.FindStringSubmatch(cleaned)
	if m == nil {
		return "", ErrInvalid
	}
	return "254" + m[1], nil
}

// Valid reports whether raw normalizes.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// Mask hides all but the last three digits, for logs and SMS copy.
func Mask(normalized string) string {
	if len(normalized) < 4 {
		return "***"
	}
	return strings.Repeat("*", len(normalized)-3) + normalized[len(normalized)-3:]
}
