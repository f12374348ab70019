package conversation

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 8192 // max encoded payload size
	MaxTextChars    = 4000 // max character count
)

// ValidateText checks that an outgoing message body meets content
// requirements before it enters the send pipeline.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
