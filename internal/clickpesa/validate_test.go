package clickpesa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0712345678", "255712345678", false},
		{"255712345678", "255712345678", false},
		{"+255712345678", "255712345678", false},
		{"712345678", "255712345678", false},
		{"0712-345-678", "255712345678", false},
		{"0712 345 678", "255712345678", false},
		{"", "", true},
		{"07123", "", true},
		{"2557123456789", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizePhone(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidateAmount(t *testing.T) {
	got, err := ValidateAmount("1000.5", "100.00", "10000.00")
	require.NoError(t, err)
	assert.Equal(t, "1000.50", got, "amount is canonicalized to 2 decimals")

	_, err = ValidateAmount("0", "", "")
	assert.Error(t, err, "zero rejected")

	_, err = ValidateAmount("-5.00", "", "")
	assert.Error(t, err, "negative rejected")

	_, err = ValidateAmount("10.123", "", "")
	assert.Error(t, err, "3 decimal places rejected")

	_, err = ValidateAmount("50.00", "100.00", "")
	assert.Error(t, err, "below minimum rejected")

	_, err = ValidateAmount("20000.00", "", "10000.00")
	assert.Error(t, err, "above maximum rejected")
}

func TestValidateCurrency(t *testing.T) {
	for _, in := range []string{"TZS", "tzs", " usd "} {
		got, err := ValidateCurrency(in)
		require.NoError(t, err, "input %q", in)
		assert.Contains(t, []string{"TZS", "USD"}, got)
	}

	_, err := ValidateCurrency("KES")
	assert.Error(t, err)
	_, err = ValidateCurrency("")
	assert.Error(t, err)
}

func TestValidateReference(t *testing.T) {
	got, err := ValidateReference("  ORDER_2024-001  ")
	require.NoError(t, err)
	assert.Equal(t, "ORDER_2024-001", got)

	_, err = ValidateReference("")
	assert.Error(t, err)

	_, err = ValidateReference("bad ref!")
	assert.Error(t, err)

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	_, err = ValidateReference(string(long))
	assert.Error(t, err)
}
