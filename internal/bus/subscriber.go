package bus

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Subscriber runs a persistent SUBSCRIBE loop on one channel, polling
// with a short receive timeout so shutdown stays responsive. Connection
// loss triggers a resubscribe after a short backoff.
type Subscriber struct {
	client  *Client
	channel string
	handle  func(data []byte)
}

// NewSubscriber builds a subscriber; Run must be started by the caller.
func NewSubscriber(client *Client, channel string, handle func(data []byte)) *Subscriber {
	return &Subscriber{client: client, channel: channel, handle: handle}
}

// Run consumes until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	log := s.client.log.With().Str("channel", s.channel).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		s.consume(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			log.Debug().Msg("resubscribing")
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) {
	pubsub := s.client.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		received, err := pubsub.ReceiveTimeout(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.client.log.Warn().Err(err).Str("channel", s.channel).Msg("subscribe receive failed")
			return
		}
		if msg, ok := received.(*redis.Message); ok {
			s.handle([]byte(msg.Payload))
		}
	}
}
