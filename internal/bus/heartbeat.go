package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// heartbeatAllowlist bounds which executor payload keys are retained.
var heartbeatAllowlist = map[string]bool{
	"type":                  true,
	"ts":                    true,
	"trade_server_ts":       true,
	"gmt_ts":                true,
	"server_gmt_offset_sec": true,
	"symbol":                true,
	"login":                 true,
	"equity":                true,
	"balance":               true,
	"positions":             true,
	"net_side":              true,
	"avg_price":             true,
	"oldest_open_ts":        true,
	"halt":                  true,
	"magic":                 true,
}

// BrokerState is the executor-reported position summary carried on the
// heartbeat. The execution process stays authoritative; the engine only
// reads these for gating.
type BrokerState struct {
	Positions    int     `json:"positions"`
	NetSide      string  `json:"net_side"`
	AvgPrice     float64 `json:"avg_price"`
	OldestOpenTS int64   `json:"oldest_open_ts"`
	Equity       float64 `json:"equity"`
	Balance      float64 `json:"balance"`
	Halt         bool    `json:"halt"`
}

// HeartbeatConfig controls the liveness policy.
type HeartbeatConfig struct {
	Enabled    bool
	TimeoutSec int64
	StaleMode  string // "freeze" short-circuits all outbound decisions
}

// DefaultHeartbeatConfig returns the production liveness policy.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Enabled: true, TimeoutSec: 10, StaleMode: "freeze"}
}

// Heartbeat tracks executor liveness and the broker state snapshot from
// the most recent beat. Pure state; the subscriber feeds it.
type Heartbeat struct {
	mu        sync.RWMutex
	cfg       HeartbeatConfig
	lastAt    time.Time
	summary   map[string]any
	broker    BrokerState
	offsetSec int64 // broker clock minus local clock
	hasOffset bool
	log       zerolog.Logger
}

// NewHeartbeat creates an empty liveness tracker. With Enabled set, the
// engine stays frozen until the first beat arrives.
func NewHeartbeat(cfg HeartbeatConfig, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		cfg:     cfg,
		summary: make(map[string]any),
		log:     log.With().Str("component", "heartbeat").Logger(),
	}
}

// Apply ingests one heartbeat payload, retaining only allowlisted keys.
func (h *Heartbeat) Apply(payload map[string]any, now time.Time) {
	filtered := make(map[string]any, len(payload))
	for k, v := range payload {
		if heartbeatAllowlist[k] {
			filtered[k] = v
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastAt = now
	h.summary = filtered

	h.broker.Positions = int(numField(filtered, "positions"))
	h.broker.NetSide = strField(filtered, "net_side")
	h.broker.AvgPrice = numField(filtered, "avg_price")
	h.broker.OldestOpenTS = int64(numField(filtered, "oldest_open_ts"))
	h.broker.Equity = numField(filtered, "equity")
	h.broker.Balance = numField(filtered, "balance")
	h.broker.Halt = boolField(filtered, "halt")

	if ts := int64(numField(filtered, "trade_server_ts")); ts > 0 {
		h.offsetSec = ts - now.Unix()
		h.hasOffset = true
	}
}

// Fresh reports liveness: disabled monitors are always fresh.
func (h *Heartbeat) Fresh(now time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.cfg.Enabled {
		return true
	}
	if h.lastAt.IsZero() {
		return false
	}
	return now.Sub(h.lastAt) <= time.Duration(h.cfg.TimeoutSec)*time.Second
}

// Frozen reports whether the freeze policy is in force right now.
func (h *Heartbeat) Frozen(now time.Time) bool {
	if h.cfg.StaleMode != "freeze" {
		return false
	}
	return !h.Fresh(now)
}

// AgeSec returns seconds since the last beat, -1 before the first one.
func (h *Heartbeat) AgeSec(now time.Time) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastAt.IsZero() {
		return -1
	}
	return int64(now.Sub(h.lastAt).Seconds())
}

// Broker returns the last reported broker state.
func (h *Heartbeat) Broker() BrokerState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.broker
}

// BrokerTime maps local time onto the broker clock using the offset from
// the last beat. Falls back to UTC before the first beat.
func (h *Heartbeat) BrokerTime(now time.Time) time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.hasOffset {
		return now.UTC()
	}
	return now.Add(time.Duration(h.offsetSec) * time.Second).UTC()
}

// Summary returns a copy of the allowlisted payload for /status.
func (h *Heartbeat) Summary() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]any, len(h.summary))
	for k, v := range h.summary {
		out[k] = v
	}
	return out
}

// Watch pushes freshness into observe on a fixed cadence until ctx ends.
func (h *Heartbeat) Watch(ctx context.Context, interval time.Duration, observe func(fresh bool)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observe(h.Fresh(time.Now()))
		}
	}
}

// HandleMessage parses one raw heartbeat message. Invalid payloads are
// dropped with a warning.
func (h *Heartbeat) HandleMessage(data []byte, now time.Time) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		h.log.Warn().Err(err).Msg("bad heartbeat payload")
		return
	}
	h.Apply(payload, now)
}

// NewHeartbeatSubscriber wires the heartbeat channel into the tracker.
func NewHeartbeatSubscriber(client *Client, hb *Heartbeat) *Subscriber {
	return NewSubscriber(client, client.cfg.HeartbeatChannel, func(data []byte) {
		hb.HandleMessage(data, time.Now())
	})
}

func numField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func strField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "true" || v == "1"
	}
	return false
}
