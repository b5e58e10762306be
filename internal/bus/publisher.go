package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// SendRecorder counts one publish attempt per (symbol, kind).
type SendRecorder func(symbol, kind string, ok bool)

// Publisher serializes decision messages onto the orders channel. Sends
// are best effort: a failed publish is counted and logged, never retried.
// The execution process is the authoritative consumer.
type Publisher struct {
	client  *Client
	channel string
	record  SendRecorder
	log     zerolog.Logger
}

// NewPublisher builds a publisher for the configured orders channel.
// record may be nil.
func NewPublisher(client *Client, record SendRecorder, log zerolog.Logger) *Publisher {
	return &Publisher{
		client:  client,
		channel: client.cfg.OrdersChannel,
		record:  record,
		log:     log.With().Str("component", "publisher").Logger(),
	}
}

// Publish sends one JSON message. kind is the message discriminator
// (ORDER, CLOSE, HOLD) used for metrics.
func (p *Publisher) Publish(ctx context.Context, symbol, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		if p.record != nil {
			p.record(symbol, kind, false)
		}
		return fmt.Errorf("marshal %s message: %w", kind, err)
	}

	err = p.client.rdb.Publish(ctx, p.channel, data).Err()
	ok := err == nil
	if p.record != nil {
		p.record(symbol, kind, ok)
	}
	if !ok {
		p.log.Error().Err(err).Str("symbol", symbol).Str("kind", kind).Msg("publish failed")
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	p.log.Info().Str("symbol", symbol).Str("kind", kind).RawJSON("payload", data).Msg("published")
	return nil
}
