package calls

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidNumber rejects a destination that is not E.164.
var ErrInvalidNumber = errors.New("calls: invalid phone number")

var e164Re = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// ValidateE164 checks that value is a plus-prefixed E.164 number with 8 to 15
// digits. It never rewrites the input; callers are expected to pass numbers
// already normalized upstream.
func ValidateE164(value string) error {
	if !e164Re.MatchString(strings.TrimSpace(value)) {
		return ErrInvalidNumber
	}
	return nil
}
