package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyMessage is returned for messages that are empty or whitespace-only
// after trimming. The session treats it as "nothing to send".
var ErrEmptyMessage = errors.New("chat: message text is empty")

// ValidateOutbound checks that a message the user wants to send meets
// content requirements. Leading/trailing whitespace does not count toward
// emptiness.
func ValidateOutbound(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	return nil
}
