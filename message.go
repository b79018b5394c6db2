// Package mysqlbus provides the MySQL-backed persistence layer for an
// asynchronous message bus: a durable priority queue transport, an
// exclusive-access lock table, and the saga, subscription, timeout and
// data-bus stores that share its connection handling.
package mysqlbus

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Reserved header keys understood by the transport.
const (
	// HeaderMessageID carries the bus-assigned message identifier.
	HeaderMessageID = "rbs2-msg-id"
	// HeaderPriority is an integer; higher values are delivered first.
	HeaderPriority = "rbs2-msg-priority"
	// HeaderDeferredUntil is an RFC 3339 instant before which the message
	// must not be delivered. It is stripped before the row is written.
	HeaderDeferredUntil = "rbs2-deferred-until"
	// HeaderDeferredRecipient names the real destination of a message
	// addressed to the external timeout manager sentinel.
	HeaderDeferredRecipient = "rbs2-deferred-recipient"
	// HeaderTimeToBeReceived bounds how long the row may wait for
	// delivery, as a Go duration string.
	HeaderTimeToBeReceived = "rbs2-time-to-be-received"
	// HeaderOrderingKey tags messages that must be processed serially,
	// one in flight per key across the whole fleet.
	HeaderOrderingKey = "rbs2-ordering-key"
)

// MagicExternalTimeoutManagerAddress is the sentinel destination used for
// deferred messages; Send rewrites it to HeaderDeferredRecipient.
const MagicExternalTimeoutManagerAddress = "##### MagicExternalTimeoutManagerAddress #####"

// DefaultTimeToBeReceived applies when HeaderTimeToBeReceived is absent.
const DefaultTimeToBeReceived = time.Duration(math.MaxInt32) * time.Second

// Message is a transport message: an opaque body plus a string header map.
type Message struct {
	Headers map[string]string
	Body    []byte
}

// NewMessage copies the given headers and body into a fresh message.
func NewMessage(headers map[string]string, body []byte) *Message {
	m := &Message{
		Headers: make(map[string]string, len(headers)),
		Body:    append([]byte(nil), body...),
	}
	for k, v := range headers {
		m.Headers[k] = v
	}
	return m
}

// Clone returns a deep copy so callers can mutate headers independently.
func (m *Message) Clone() *Message {
	return NewMessage(m.Headers, m.Body)
}

// ID returns the HeaderMessageID value, or "" when unset.
func (m *Message) ID() string {
	return m.Headers[HeaderMessageID]
}

// Priority extracts HeaderPriority. A missing header means priority 0; a
// header that does not parse as an integer is a malformed message.
func (m *Message) Priority() (int32, error) {
	raw, ok := m.Headers[HeaderPriority]
	if !ok {
		return 0, nil
	}
	p, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: header %s=%q is not an integer", ErrMalformedMessage, HeaderPriority, raw)
	}
	return int32(p), nil
}

// TimeToBeReceived extracts HeaderTimeToBeReceived, falling back to
// DefaultTimeToBeReceived.
func (m *Message) TimeToBeReceived() (time.Duration, error) {
	raw, ok := m.Headers[HeaderTimeToBeReceived]
	if !ok {
		return DefaultTimeToBeReceived, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: header %s=%q is not a duration", ErrMalformedMessage, HeaderTimeToBeReceived, raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: header %s=%q must be positive", ErrMalformedMessage, HeaderTimeToBeReceived, raw)
	}
	return d, nil
}

// DeferredUntil extracts HeaderDeferredUntil. The second return reports
// whether the header was present.
func (m *Message) DeferredUntil() (time.Time, bool, error) {
	raw, ok := m.Headers[HeaderDeferredUntil]
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: header %s=%q is not an RFC 3339 instant", ErrMalformedMessage, HeaderDeferredUntil, raw)
	}
	return t, true, nil
}

// OrderingKey returns the HeaderOrderingKey value; ok is false when the
// message is unconstrained.
func (m *Message) OrderingKey() (string, bool) {
	k, ok := m.Headers[HeaderOrderingKey]
	return k, ok
}

// EncodeHeaders serializes a header map for storage. The encoding is
// opaque to the database; receivers decode it with DecodeHeaders.
func EncodeHeaders(headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("mysqlbus: failed to encode headers: %w", err)
	}
	return b, nil
}

// DecodeHeaders reverses EncodeHeaders.
func DecodeHeaders(b []byte) (map[string]string, error) {
	headers := map[string]string{}
	if len(b) == 0 {
		return headers, nil
	}
	if err := json.Unmarshal(b, &headers); err != nil {
		return nil, fmt.Errorf("mysqlbus: failed to decode headers: %w", err)
	}
	return headers, nil
}
