package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mysqlbus/mysqlbus"
	"github.com/mysqlbus/mysqlbus/conn"
)

// outgoingItemKey parks the per-scope send buffer in the scope's bag.
const outgoingItemKey = "mysqlbus-outgoing"

type outgoingMessage struct {
	table       conn.TableName
	headers     []byte
	body        []byte
	priority    int32
	orderingKey any
	visible     any
	ttlMicros   int64
}

// outgoingBuffer collects a scope's sends until the scope commits. The
// append order is the insert order.
type outgoingBuffer struct {
	mu       sync.Mutex
	messages []*outgoingMessage
}

func (b *outgoingBuffer) add(m *outgoingMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
}

func (b *outgoingBuffer) drain() []*outgoingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.messages
	b.messages = nil
	return msgs
}

// Send buffers a message on the scope; nothing hits the database until
// the scope commits, at which point every buffered message is inserted on
// one connection in one transaction. Either all of a scope's messages
// become visible or none do.
func (t *Transport) Send(ctx context.Context, destination string, msg *mysqlbus.Message, scope *mysqlbus.Scope) error {
	out, err := t.prepareOutgoing(destination, msg)
	if err != nil {
		return err
	}

	item, created := scope.GetOrAddItem(outgoingItemKey, func() any {
		return &outgoingBuffer{}
	})
	buffer := item.(*outgoingBuffer)
	if created {
		scope.OnCommitted(func(ctx context.Context) error {
			return t.flush(ctx, buffer)
		})
	}

	buffer.add(out)
	return nil
}

// prepareOutgoing resolves the destination, validates the reserved
// headers, and freezes the row values so later header mutation by the
// caller cannot leak into the insert.
func (t *Transport) prepareOutgoing(destination string, msg *mysqlbus.Message) (*outgoingMessage, error) {
	msg = msg.Clone()

	// A message addressed to the timeout manager sentinel is deferred; the
	// real destination rides in its headers.
	if strings.EqualFold(destination, mysqlbus.MagicExternalTimeoutManagerAddress) {
		recipient, ok := msg.Headers[mysqlbus.HeaderDeferredRecipient]
		if !ok || recipient == "" {
			return nil, fmt.Errorf("%w: deferred message has no %s header",
				mysqlbus.ErrMalformedMessage, mysqlbus.HeaderDeferredRecipient)
		}
		destination = recipient
	}
	table, err := conn.ParseTableName(destination)
	if err != nil {
		return nil, err
	}

	priority, err := msg.Priority()
	if err != nil {
		return nil, err
	}
	ttl, err := msg.TimeToBeReceived()
	if err != nil {
		return nil, err
	}
	deferredUntil, deferred, err := msg.DeferredUntil()
	if err != nil {
		return nil, err
	}
	delete(msg.Headers, mysqlbus.HeaderDeferredUntil)

	var visible any
	if deferred {
		// The row expires ttl after insert; a deferral past that point
		// would be born already-expired.
		if !deferredUntil.Before(t.opts.Now().Add(ttl)) {
			return nil, fmt.Errorf("%w: message deferred to %s would expire before becoming visible",
				mysqlbus.ErrMalformedMessage, deferredUntil.UTC().Format(time.RFC3339Nano))
		}
		visible = deferredUntil.UTC()
	}
	var orderingKey any
	if key, ok := msg.OrderingKey(); ok {
		orderingKey = key
	}

	headers, err := mysqlbus.EncodeHeaders(msg.Headers)
	if err != nil {
		return nil, err
	}
	return &outgoingMessage{
		table:       table,
		headers:     headers,
		body:        msg.Body,
		priority:    priority,
		orderingKey: orderingKey,
		visible:     visible,
		ttlMicros:   int64(ttl / time.Microsecond),
	}, nil
}

// flush inserts every buffered message on one connection, in buffer
// order. Runs as the scope's on-commit callback.
func (t *Transport) flush(ctx context.Context, buffer *outgoingBuffer) error {
	msgs := buffer.drain()
	if len(msgs) == 0 {
		return nil
	}
	c, err := t.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, m := range msgs {
		if _, err := c.ExecContext(ctx, insertQuery(m.table),
			m.headers, m.body, m.priority, m.orderingKey, m.visible, m.ttlMicros); err != nil {
			return fmt.Errorf("mysqlbus: failed to insert into %s: %w", m.table, err)
		}
	}
	if err := c.Complete(ctx); err != nil {
		return err
	}
	t.metrics.Sent.Add(float64(len(msgs)))
	return nil
}
