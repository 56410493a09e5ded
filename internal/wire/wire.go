// Package wire translates between broker payloads and the canonical chat
// message model. Backend revisions have shipped the same record under
// several field spellings (camelCase, snake_case, and Spanish names), so
// inbound decoding goes through an alias table here and the rest of the
// client never sees the drift. All payloads are JSON.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lunchconnect/groupchat/internal/chat"
)

// MessageType is the type tag carried on outbound chat envelopes.
const MessageType = "CHAT"

// ---------------------------------------------------------------------------
// Field alias tables
// ---------------------------------------------------------------------------

var (
	idAliases        = []string{"id", "messageId", "mensaje_id"}
	groupAliases     = []string{"groupId", "group_id", "grupo_id"}
	contentAliases   = []string{"content", "contenido", "text", "texto"}
	senderAliases    = []string{"senderId", "sender_id", "remitente_id", "from"}
	timestampAliases = []string{"timestamp", "ts", "fecha", "createdAt"}
	correlationAliases = []string{"correlationId", "correlation_id"}
)

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// Inbound is a normalized broker event, decoupled from whatever field names
// the delivering backend revision used.
type Inbound struct {
	ID            string
	GroupID       string
	Content       string
	SenderID      string
	Timestamp     time.Time
	CorrelationID string
}

// DecodeInbound parses a raw broker payload into a normalized Inbound
// record. It fails only when the payload is not a JSON object or carries no
// recognizable group or content field; missing optional fields decode to
// zero values.
func DecodeInbound(data []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Inbound{}, fmt.Errorf("wire: decode inbound: %w", err)
	}

	in := Inbound{
		ID:            stringField(fields, idAliases),
		GroupID:       stringField(fields, groupAliases),
		Content:       stringField(fields, contentAliases),
		SenderID:      stringField(fields, senderAliases),
		Timestamp:     timeField(fields, timestampAliases),
		CorrelationID: stringField(fields, correlationAliases),
	}

	if in.GroupID == "" {
		return Inbound{}, fmt.Errorf("wire: inbound event has no group id")
	}
	if in.Content == "" {
		return Inbound{}, fmt.Errorf("wire: inbound event has no content")
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	return in, nil
}

// Message converts the normalized record into a chat.Message, computing
// IsMine against the session's own user ID.
func (in Inbound) Message(selfID string) chat.Message {
	id := in.ID
	if id == "" {
		id = chat.LocalID(in.Timestamp)
	}
	return chat.Message{
		ID:            id,
		GroupID:       in.GroupID,
		Content:       in.Content,
		SenderID:      in.SenderID,
		IsMine:        in.SenderID != "" && in.SenderID == selfID,
		Timestamp:     in.Timestamp,
		CorrelationID: in.CorrelationID,
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Outbound is the envelope published to the group's send destination.
type Outbound struct {
	Type          string `json:"type"`
	GroupID       string `json:"groupId"`
	Content       string `json:"content"`
	SenderID      string `json:"senderId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// EncodeOutbound marshals a chat envelope for publishing.
func EncodeOutbound(groupID, content, senderID, correlationID string) ([]byte, error) {
	out := Outbound{
		Type:          MessageType,
		GroupID:       groupID,
		Content:       content,
		SenderID:      senderID,
		CorrelationID: correlationID,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("wire: encode outbound: %w", err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Field extraction helpers
// ---------------------------------------------------------------------------

// stringField returns the first alias present in fields, coercing JSON
// numbers to their decimal string form (several backend revisions send
// numeric IDs).
func stringField(fields map[string]json.RawMessage, aliases []string) string {
	for _, name := range aliases {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// timeField returns the first alias present that decodes as a timestamp.
// RFC3339 strings and unix numerics are accepted; numeric values above
// 1e12 are taken as milliseconds.
func timeField(fields map[string]json.RawMessage, aliases []string) time.Time {
	for _, name := range aliases {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			if n > 1e12 {
				return time.UnixMilli(n)
			}
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}
