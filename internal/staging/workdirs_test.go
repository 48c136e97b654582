package staging

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateDepositID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"dep-1", true},
		{"6f1c52c4-3c1e-4d53-9a57-0c7f5bde6a11", true},
		{"batch_2024.03", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc", false},
		{"a/b", false},
		{"with space", false},
		{strings.Repeat("x", 129), false},
	}
	for _, tt := range tests {
		err := ValidateDepositID(tt.id)
		if tt.ok && err != nil {
			t.Errorf("ValidateDepositID(%q) = %v, want nil", tt.id, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidDepositID) {
			t.Errorf("ValidateDepositID(%q) = %v, want ErrInvalidDepositID", tt.id, err)
		}
	}
}
