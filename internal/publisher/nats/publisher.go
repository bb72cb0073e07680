// Package nats publishes portfolio notifications to NATS subjects, through
// JetStream when a stream captures the subject.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// streamPublisher is the JetStream subset used here.
type streamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// corePublisher is the core NATS subset used here.
type corePublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher sends JSON payloads to NATS.
type Publisher struct {
	conn *nats.Conn
	js   streamPublisher
	core corePublisher
}

// Dial connects to url. With jetStream set, publishes wait for a stream ack.
func Dial(url string, jetStream bool, opts ...nats.Option) (*Publisher, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	p := &Publisher{conn: nc, core: nc}
	if jetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats jetstream: %w", err)
		}
		p.js = js
	}
	return p, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// Publish encodes payload as JSON and publishes it on subject. JetStream
// publishes return "<stream>:<sequence>"; core publishes return "".
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) (string, error) {
	if p == nil || (p.js == nil && p.core == nil) {
		return "", errors.New("nats publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	if p.js != nil {
		ack, err := p.js.Publish(subject, data, nats.Context(ctx))
		if err != nil {
			return "", fmt.Errorf("jetstream publish: %w", err)
		}
		return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("nats publish: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	if err := p.core.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("nats publish: %w", err)
	}
	return "", nil
}
