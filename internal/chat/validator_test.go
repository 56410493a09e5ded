package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateOutboundRejectsEmpty(t *testing.T) {
	for _, text := range []string{"", " ", "   ", "\t\n", " \t \n "} {
		if err := ValidateOutbound(text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("ValidateOutbound(%q): expected ErrEmptyMessage, got %v", text, err)
		}
	}
}

func TestValidateOutboundAccepts(t *testing.T) {
	for _, text := range []string{"hola", "¿vamos a las 13:00?", "  trimmed but non-empty  "} {
		if err := ValidateOutbound(text); err != nil {
			t.Errorf("ValidateOutbound(%q): unexpected error %v", text, err)
		}
	}
}

func TestValidateOutboundByteLimit(t *testing.T) {
	text := strings.Repeat("a", MaxMessageBytes+1)
	if err := ValidateOutbound(text); err == nil {
		t.Error("expected error for oversized message")
	}
}

func TestValidateOutboundCharLimit(t *testing.T) {
	// Multi-byte runes: 4002 bytes stays under the byte limit while the
	// character count exceeds the rune limit.
	text := strings.Repeat("á", MaxTextChars+1)
	if err := ValidateOutbound(text); err == nil {
		t.Error("expected error for over-long message")
	}
}

func TestValidateOutboundInvalidUTF8(t *testing.T) {
	if err := ValidateOutbound("hola\xff"); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}
