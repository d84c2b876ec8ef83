package delivery

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"simple text", "Hello there", false},
		{"unicode within limits", strings.Repeat("ü", 2000), false},
		{"empty", "", true},
		{"too many bytes", strings.Repeat("a", MaxContentBytes+1), true},
		{"too many characters", strings.Repeat("ü", 2001), true},
		{"invalid utf8", string([]byte{0xff, 0xfe, 0xfd}), true},
		{"single character", "k", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContent(tc.content)
			if tc.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
