package gateway

import "testing"

func TestValidSubjectToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		valid bool
	}{
		{"plain id", "general", true},
		{"uuid", "0b6f3f1e-9d2a-4c6a-8f1e-1a2b3c4d5e6f", true},
		{"empty", "", false},
		{"dot splits tokens", "a.b", false},
		{"single wildcard", "a*", false},
		{"full wildcard", ">", false},
		{"embedded space", "a b", false},
		{"tab", "a\tb", false},
		{"newline", "a\nb", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validSubjectToken(tt.token); got != tt.valid {
				t.Errorf("validSubjectToken(%q) = %v, expected %v", tt.token, got, tt.valid)
			}
		})
	}
}
