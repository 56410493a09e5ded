// Package stomp implements the subset of STOMP 1.2 framing used between
// the chat client and the broker. Frames travel one-per-WebSocket-message
// (the convention of browser STOMP clients), so the codec works on complete
// byte slices rather than a stream.
package stomp

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Frame commands used by the chat wire contract.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

// Standard header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrAuthorization = "Authorization"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrHeartBeat     = "heart-beat"
)

// Frame is a single STOMP frame. A nil Frame returned by Parse alongside a
// nil error indicates a heartbeat (a bare EOL), which carries no content.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a frame with the given command and alternating
// header key/value pairs.
func NewFrame(command string, body []byte, kv ...string) *Frame {
	if len(kv)%2 != 0 {
		panic("stomp: NewFrame requires key/value pairs")
	}
	headers := make(map[string]string, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		headers[kv[i]] = kv[i+1]
	}
	return &Frame{Command: command, Headers: headers, Body: body}
}

// Heartbeat is the single-EOL payload peers exchange as a keepalive.
var Heartbeat = []byte("\n")

// Marshal serializes the frame: command line, headers, blank line, body,
// NUL terminator. Headers are emitted in sorted order so output is
// deterministic. A content-length header is added automatically for
// non-empty bodies.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(f.Headers)+1)
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	escape := f.escapes()
	for _, k := range keys {
		v := f.Headers[k]
		if escape {
			k = escapeHeader(k)
			v = escapeHeader(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		if _, ok := f.Headers[HdrContentLength]; !ok {
			buf.WriteString(HdrContentLength)
			buf.WriteByte(':')
			buf.WriteString(strconv.Itoa(len(f.Body)))
			buf.WriteByte('\n')
		}
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Parse decodes a complete frame from data. A payload consisting only of
// EOLs is a heartbeat and yields (nil, nil).
func Parse(data []byte) (*Frame, error) {
	if isHeartbeat(data) {
		return nil, nil
	}

	// Tolerate CRLF line endings per the STOMP spec.
	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		head, body, found = bytes.Cut(data, []byte("\r\n\r\n"))
		if !found {
			return nil, fmt.Errorf("stomp: frame has no header/body separator")
		}
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	command := strings.TrimSpace(lines[0])
	if command == "" {
		return nil, fmt.Errorf("stomp: frame has empty command")
	}

	f := &Frame{Command: command, Headers: make(map[string]string, len(lines)-1)}
	escape := f.escapes()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("stomp: malformed header line %q", line)
		}
		if escape {
			var err error
			if k, err = unescapeHeader(k); err != nil {
				return nil, err
			}
			if v, err = unescapeHeader(v); err != nil {
				return nil, err
			}
		}
		// First occurrence wins, per spec.
		if _, exists := f.Headers[k]; !exists {
			f.Headers[k] = v
		}
	}

	if n, ok := f.Headers[HdrContentLength]; ok {
		length, err := strconv.Atoi(n)
		if err != nil || length < 0 || length > len(body) {
			return nil, fmt.Errorf("stomp: bad content-length %q", n)
		}
		f.Body = append([]byte(nil), body[:length]...)
		return f, nil
	}

	// Without content-length the body runs to the NUL terminator.
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	f.Body = append([]byte(nil), body...)
	return f, nil
}

// escapes reports whether header escaping applies to this frame. The spec
// exempts CONNECT and CONNECTED for backwards compatibility.
func (f *Frame) escapes() bool {
	return f.Command != CmdConnect && f.Command != CmdConnected
}

func isHeartbeat(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	for _, b := range data {
		if b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}

// escapeHeader applies STOMP 1.2 header escaping: backslash, carriage
// return, line feed, and colon.
func escapeHeader(s string) string {
	if !strings.ContainsAny(s, "\\\r\n:") {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		case ':':
			b.WriteString(`\c`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("stomp: dangling escape in header %q", s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("stomp: invalid escape \\%c in header %q", s[i], s)
		}
	}
	return b.String(), nil
}
