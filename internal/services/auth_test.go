package services

import "testing"

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "StrongPass123", false},
		{"too short", "Ab1", true},
		{"no upper", "weakpass123", true},
		{"no lower", "WEAKPASS123", true},
		{"no digit", "WeakPassword", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePassword(tc.password)
			if tc.wantErr && err == nil {
				t.Errorf("Expected error for password %q", tc.password)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Unexpected error for password %q: %v", tc.password, err)
			}
		})
	}
}

func TestEmailRegex(t *testing.T) {
	valid := []string{"user@example.com", "a.b+c@sub.domain.org"}
	invalid := []string{"", "not-an-email", "missing@tld", "@example.com"}

	for _, email := range valid {
		if !emailRegex.MatchString(email) {
			t.Errorf("Expected %q to be valid", email)
		}
	}
	for _, email := range invalid {
		if emailRegex.MatchString(email) {
			t.Errorf("Expected %q to be invalid", email)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := generateToken(64)
	if err != nil {
		t.Fatalf("generateToken failed: %v", err)
	}
	b, err := generateToken(64)
	if err != nil {
		t.Fatalf("generateToken failed: %v", err)
	}

	if len(a) != 128 { // hex doubles the byte length
		t.Errorf("Expected 128 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("Expected distinct tokens")
	}
}
