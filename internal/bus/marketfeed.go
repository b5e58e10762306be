package bus

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"gold-decision-engine/internal/market"
)

// feedEnvelope discriminates market feed messages before full decoding.
type feedEnvelope struct {
	Type string `json:"type"`
}

// MarketFeed routes TICK and BAR messages from the execution process
// into the snapshot provider.
type MarketFeed struct {
	provider *market.Provider
	log      zerolog.Logger
}

// NewMarketFeed builds the feed handler.
func NewMarketFeed(provider *market.Provider, log zerolog.Logger) *MarketFeed {
	return &MarketFeed{
		provider: provider,
		log:      log.With().Str("component", "marketfeed").Logger(),
	}
}

// HandleMessage decodes one feed message. Unknown types and malformed
// payloads are dropped with a warning.
func (f *MarketFeed) HandleMessage(data []byte) {
	var env feedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.log.Warn().Err(err).Msg("bad market feed payload")
		return
	}
	switch env.Type {
	case "TICK":
		var t market.Tick
		if err := json.Unmarshal(data, &t); err != nil {
			f.log.Warn().Err(err).Msg("bad tick payload")
			return
		}
		f.provider.OnTick(t)
	case "BAR":
		var b market.Bar
		if err := json.Unmarshal(data, &b); err != nil {
			f.log.Warn().Err(err).Msg("bad bar payload")
			return
		}
		f.provider.OnBar(b)
	default:
		f.log.Debug().Str("type", env.Type).Msg("ignoring market feed message")
	}
}

// NewMarketFeedSubscriber wires the market channel into the provider.
func NewMarketFeedSubscriber(client *Client, feed *MarketFeed) *Subscriber {
	return NewSubscriber(client, client.cfg.MarketChannel, feed.HandleMessage)
}
