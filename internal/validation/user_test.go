package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePassword(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"Valid", "SecurePass12!@", false},
		{"Exactly Min Length", "Abcdef1!", false},
		{"Exactly Max Length", "A" + strings.Repeat("b", 125) + "1!", false},
		{"Too Short", "Sma1l!", true},
		{"Too Long", "A" + strings.Repeat("b", 126) + "1!", true},
		{"No Upper", "securepass12!", true},
		{"No Lower", "SECUREPASS12!", true},
		{"No Digit", "SecurePass!!", true},
		{"No Special", "SecurePass123", true},
		{"Digits And Special Only", "1234567890!@", true},
		{"Unicode Characters", "ÅngstromPass12!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"Valid", "test_user123", false},
		{"Too Short", "tu", true},
		{"Illegal Chars", "user@123", true},
		{"Dash Not Allowed", "user-name", true},
		{"Too Long", strings.Repeat("a", 31), true},
		{"Underscores Allowed", "_user_", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	t.Parallel()
	// 254 chars total: 64 local + @ + 185 domain label + ".com" (4)
	emailAt254 := strings.Repeat("a", 64) + "@" + strings.Repeat("b", 185) + ".com"
	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"Valid", "test@example.com", false},
		{"Exactly 254 Characters", emailAt254, false},
		{"Invalid Format", "not-an-email", true},
		{"Missing Domain", "user@", true},
		{"Multiple At Symbols", "user@@example.com", true},
		{"Space In Local Part", "user @example.com", true},
		{"Trailing Dot In Domain", "user@example.com.", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUsernameFromHint(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"jane.doe@example.com": "jane_doe",
		"Jane Doe":             "Jane_Doe",
		"x":                    "x__",
		"a-very-long-display-name-that-keeps-going": "a_very_long_display_name",
	}
	for in, want := range tests {
		got := UsernameFromHint(in)
		assert.Equal(t, want, got, in)
		assert.NoError(t, ValidateUsername(got), in)
	}
}

func TestSuffixedUsername(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ivy", SuffixedUsername("ivy", 1))
	assert.Equal(t, "ivy_2", SuffixedUsername("ivy", 2))

	long := strings.Repeat("a", 30)
	got := SuffixedUsername(long, 12)
	assert.Equal(t, strings.Repeat("a", 27)+"_12", got)
	assert.NoError(t, ValidateUsername(got))
}

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.COM "))
}
