package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Bus delivers a serialized envelope. key is the idempotency key for buses that dedupe.
type Bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// NATSBus publishes on core NATS, or through JetStream when a stream captures the
// subject. JetStream dedupes on the Nats-Msg-Id header within its duplicate window.
type NATSBus struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

func NewNATSBus(conn *nats.Conn, useJetStream bool) (*NATSBus, error) {
	b := &NATSBus{conn: conn}
	if useJetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		b.js = js
	}
	return b, nil
}

// DialNATS connects with reconnect logging.
func DialNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats_disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return conn, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if b.js != nil {
		if _, err := b.js.Publish(ctx, topic, payload, jetstream.WithMsgID(key)); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", topic, err)
		}
		return nil
	}
	msg := nats.NewMsg(topic)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, key)
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

type Published struct {
	Topic   string
	Key     string
	Payload []byte
}

// MemoryBus keeps every publication and fans out to local subscribers.
type MemoryBus struct {
	mu   sync.Mutex
	msgs []Published
	subs []func(Published)
	// Fail, when set, is returned by Publish without recording.
	Fail error
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Subscribe(fn func(Published)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

func (b *MemoryBus) Publish(_ context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	if b.Fail != nil {
		err := b.Fail
		b.mu.Unlock()
		return err
	}
	p := Published{Topic: topic, Key: key, Payload: append([]byte(nil), payload...)}
	b.msgs = append(b.msgs, p)
	subs := append([]func(Published){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
	return nil
}

func (b *MemoryBus) Messages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.msgs...)
}

// LogBus writes publications to the structured log. Development only.
type LogBus struct {
	log *slog.Logger
}

func NewLogBus(log *slog.Logger) *LogBus {
	if log == nil {
		log = slog.Default()
	}
	return &LogBus{log: log}
}

func (b *LogBus) Publish(_ context.Context, topic, key string, payload []byte) error {
	b.log.Info("survey_event", "topic", topic, "idempotency_key", key, "payload", string(payload))
	return nil
}
