// Package journal persists decision records to PostgreSQL for offline
// analysis. The journal is optional: when disabled the engine records
// into a no-op sink. Inserts are asynchronous and best-effort, a full
// queue drops records rather than stalling the decision path.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Decision is one entry or management outcome worth keeping.
type Decision struct {
	TS       time.Time
	Symbol   string
	Kind     string // "entry" or "mgmt"
	Action   string // BUY, SELL, CLOSE, HOLD
	Outcome  string
	AIScore  int
	AIReason string
	Payload  any
}

// Recorder receives decision records. Record must never block the caller.
type Recorder interface {
	Record(ctx context.Context, d Decision)
	Close()
}

type noop struct{}

func (noop) Record(context.Context, Decision) {}
func (noop) Close()                           {}

// Noop returns a recorder that drops everything.
func Noop() Recorder { return noop{} }

const insertQueueSize = 256

// PG is the PostgreSQL-backed recorder. One writer goroutine drains the
// queue so Record stays non-blocking.
type PG struct {
	pool  *pgxpool.Pool
	queue chan Decision
	log   zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPG connects, runs the migration, and starts the writer. databaseURL
// is any pgx connection string, URL or keyword form.
func NewPG(ctx context.Context, databaseURL string, log zerolog.Logger) (*PG, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse journal config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create journal pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping journal database: %w", err)
	}

	p := &PG{
		pool:  pool,
		queue: make(chan Decision, insertQueueSize),
		log:   log.With().Str("component", "journal").Logger(),
		done:  make(chan struct{}),
	}
	if err := p.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	p.wg.Add(1)
	go p.writer()
	p.log.Info().Str("database", poolConfig.ConnConfig.Database).Msg("decision journal connected")
	return p, nil
}

func (p *PG) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			kind VARCHAR(10) NOT NULL,
			action VARCHAR(10),
			outcome VARCHAR(40) NOT NULL,
			ai_score INT,
			ai_reason TEXT,
			payload JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_symbol_ts ON decisions (symbol, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions (outcome)`,
	}
	for _, m := range migrations {
		if _, err := p.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("journal migration failed: %w", err)
		}
	}
	return nil
}

// Record queues a decision for insertion. Drops with a warning when the
// queue is full, silently when the journal is closing.
func (p *PG) Record(_ context.Context, d Decision) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- d:
	default:
		p.log.Warn().Str("symbol", d.Symbol).Str("outcome", d.Outcome).Msg("journal queue full, dropping decision")
	}
}

func (p *PG) writer() {
	defer p.wg.Done()
	for {
		select {
		case d := <-p.queue:
			p.insert(d)
		case <-p.done:
			// drain what is already queued
			for {
				select {
				case d := <-p.queue:
					p.insert(d)
				default:
					return
				}
			}
		}
	}
}

func (p *PG) insert(d Decision) {
	var payload []byte
	if d.Payload != nil {
		b, err := json.Marshal(d.Payload)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", d.Symbol).Msg("journal payload marshal failed")
		} else {
			payload = b
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO decisions (ts, symbol, kind, action, outcome, ai_score, ai_reason, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.TS, d.Symbol, d.Kind, d.Action, d.Outcome, d.AIScore, d.AIReason, payload,
	)
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", d.Symbol).Str("outcome", d.Outcome).Msg("journal insert failed")
	}
}

// Close stops the writer after draining queued records and releases the
// pool.
func (p *PG) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.pool.Close()
	})
}
