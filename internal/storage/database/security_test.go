package database

import "testing"

func TestValidateRecordID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"device key", "alice/phone-1", false},
		{"uuid", "6f1c2a9e-9d7b-4c43-8f0e-2b1d6e2b7a11", false},
		{"empty", "", true},
		{"operator", "$where", true},
		{"object", "{\"$gt\":\"\"}", true},
		{"null byte", "alice\x00", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecordID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRecordID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestSafeStringValue(t *testing.T) {
	if got := SafeStringValue("a$b{c}\x00"); got != "abc" {
		t.Errorf("SafeStringValue() = %q", got)
	}
}
