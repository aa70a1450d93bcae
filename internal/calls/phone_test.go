package calls

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateE164(t *testing.T) {
	valid := []string{"+19054628586", "+442071838750", "+61212345678"}
	for _, number := range valid {
		assert.NoError(t, ValidateE164(number), number)
	}

	invalid := []string{
		"",
		"19054628586",
		"+0123456789",
		"+1905462",
		"+1234567890123456",
		"+1905-462-8586",
		"+1905 462 8586",
	}
	for _, number := range invalid {
		assert.ErrorIs(t, ValidateE164(number), ErrInvalidNumber, number)
	}
}
