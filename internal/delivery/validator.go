package delivery

import (
	"fmt"
	"unicode/utf8"
)

const (
	// MaxContentBytes caps the raw byte size of a message body.
	MaxContentBytes = 4096

	// MaxContentChars caps the character count of a message body.
	MaxContentChars = 2000
)

// ValidateContent checks that a message body meets content requirements.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
