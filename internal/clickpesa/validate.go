package clickpesa

import (
	"regexp"
	"strings"

	"github.com/pochipay/pochi/internal/money"
)

const (
	// CountryCode is the Tanzania dialing prefix expected by the gateway.
	CountryCode = "255"
	// PhoneLength is the full length including country code (255XXXXXXXXX).
	PhoneLength = 12

	maxReferenceLength = 100
)

var (
	nonDigits    = regexp.MustCompile(`\D`)
	referencePat = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// NormalizePhone validates a phone number and normalizes it to the
// 255XXXXXXXXX format the gateway requires. Accepts local (07...),
// international (+255...) and bare (712345678) forms.
func NormalizePhone(phone string) (string, error) {
	if phone == "" {
		return "", &ValidationError{Field: "phoneNumber", Message: "phone number is required"}
	}

	p := nonDigits.ReplaceAllString(phone, "")

	switch {
	case strings.HasPrefix(p, "0"):
		// 0712345678 -> 255712345678
		p = CountryCode + p[1:]
	case strings.HasPrefix(p, CountryCode):
		// already in full form
	default:
		p = CountryCode + p
	}

	if len(p) != PhoneLength {
		return "", &ValidationError{
			Field:   "phoneNumber",
			Message: "must be 12 digits including country code 255",
		}
	}

	return p, nil
}

// ValidateAmount checks the amount is a positive decimal with at most
// two fraction digits and within the [min, max] bounds. Empty bounds
// are skipped. Returns the canonical two-decimal form.
func ValidateAmount(amount, min, max string) (string, error) {
	v, ok := money.Parse(amount)
	if !ok {
		return "", &ValidationError{Field: "amount", Message: "must be a positive decimal with at most 2 decimal places"}
	}
	if v.Sign() <= 0 {
		return "", &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if min != "" && money.Cmp(amount, min) < 0 {
		return "", &ValidationError{Field: "amount", Message: "below minimum " + min}
	}
	if max != "" && money.Cmp(amount, max) > 0 {
		return "", &ValidationError{Field: "amount", Message: "above maximum " + max}
	}
	return money.Format(v), nil
}

// ValidateCurrency upcases and checks the currency code. The gateway
// supports TZS and USD.
func ValidateCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	switch c {
	case "TZS", "USD":
		return c, nil
	case "":
		return "", &ValidationError{Field: "currency", Message: "currency is required"}
	default:
		return "", &ValidationError{Field: "currency", Message: "unsupported currency " + c}
	}
}

// ValidateReference checks an order reference: non-empty, at most 100
// characters, alphanumeric plus hyphen and underscore.
func ValidateReference(ref string) (string, error) {
	r := strings.TrimSpace(ref)
	if r == "" {
		return "", &ValidationError{Field: "orderReference", Message: "order reference is required"}
	}
	if len(r) > maxReferenceLength {
		return "", &ValidationError{Field: "orderReference", Message: "order reference too long"}
	}
	if !referencePat.MatchString(r) {
		return "", &ValidationError{
			Field:   "orderReference",
			Message: "only letters, numbers, hyphens and underscores allowed",
		}
	}
	return r, nil
}
