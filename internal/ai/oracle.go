package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Oracle is the JSON-only scoring contract the decision engines depend
// on. A nil map with an error means no usable response; callers own the
// fallback policy.
type Oracle interface {
	CallJSON(ctx context.Context, prompt, kind, symbol string) (map[string]any, error)
}

// Prompt kinds.
const (
	KindEntryScore = "entry_score"
	KindCloseHold  = "close_hold"
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("ai oracle not configured")

// RecorderFunc receives per-call telemetry for metrics.
type RecorderFunc func(kind, symbol string, latencyMs int64, ok bool)

// OracleConfig bounds the call: one timeout per attempt, a fixed retry
// count with a fixed wait, and breaker thresholds.
type OracleConfig struct {
	RetryCount         int
	RetryWaitSec       int
	BreakerFailures    uint32
	BreakerCooldownSec int
}

// DefaultOracleConfig returns the production call bounds.
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		RetryCount:         3,
		RetryWaitSec:       2,
		BreakerFailures:    5,
		BreakerCooldownSec: 60,
	}
}

// LLMOracle is the production Oracle over the provider client.
type LLMOracle struct {
	client  *Client
	cfg     OracleConfig
	breaker *gobreaker.CircuitBreaker
	record  RecorderFunc
	logger  zerolog.Logger
}

// NewLLMOracle wraps a client with retries, telemetry and a breaker that
// opens after consecutive provider failures.
func NewLLMOracle(client *Client, cfg OracleConfig, record RecorderFunc, logger zerolog.Logger) *LLMOracle {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name: "llm",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		Timeout: time.Duration(cfg.BreakerCooldownSec) * time.Second,
	}
	return &LLMOracle{
		client:  client,
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
		record:  record,
		logger:  logger.With().Str("component", "ai").Logger(),
	}
}

// CallJSON sends one prompt and returns the parsed JSON object. Fences
// are stripped before parsing; the response is tagged with an out-of-band
// id and latency for audit.
func (o *LLMOracle) CallJSON(ctx context.Context, prompt, kind, symbol string) (map[string]any, error) {
	if !o.client.IsConfigured() {
		return nil, ErrNotConfigured
	}

	var lastErr error
	attempts := o.cfg.RetryCount
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(o.cfg.RetryWaitSec) * time.Second):
			}
		}

		callID := uuid.New().String()
		start := time.Now()
		result, err := o.breaker.Execute(func() (interface{}, error) {
			return o.client.Complete(ctx, SystemPrompt, prompt)
		})
		latency := time.Since(start).Milliseconds()

		if err != nil {
			if o.record != nil {
				o.record(kind, symbol, latency, false)
			}
			lastErr = err
			o.logger.Warn().Err(err).Str("kind", kind).Str("symbol", symbol).
				Int("attempt", attempt).Msg("ai call failed")
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// Open breaker: retrying inside the cooldown cannot help.
				return nil, fmt.Errorf("ai breaker open: %w", err)
			}
			continue
		}

		text, _ := result.(string)
		obj, err := parseJSONResponse(text)
		if err != nil {
			if o.record != nil {
				o.record(kind, symbol, latency, false)
			}
			lastErr = fmt.Errorf("invalid ai response: %w", err)
			o.logger.Warn().Err(err).Str("kind", kind).Int("attempt", attempt).Msg("ai response not parseable")
			continue
		}

		if o.record != nil {
			o.record(kind, symbol, latency, true)
		}
		obj["_id"] = callID
		obj["_latency_ms"] = latency
		return obj, nil
	}
	return nil, lastErr
}

// stripMarkdownCodeBlock removes markdown code block formatting from LLM
// responses. Handles ```json\n{...}\n``` and ```\n{...}\n```.
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)

	re := regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")
	if matches := re.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}

func parseJSONResponse(text string) (map[string]any, error) {
	clean := stripMarkdownCodeBlock(text)
	var obj map[string]any
	if err := json.Unmarshal([]byte(clean), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}
