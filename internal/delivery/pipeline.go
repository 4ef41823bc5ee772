// Package delivery ships execution results to the collector and keeps the
// ones it cannot ship in the result store until they can be.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hostagent/internal/config"
	"hostagent/internal/domain"
	"hostagent/internal/metrics"
	"hostagent/internal/queue"
	"hostagent/internal/session"
)

type Poster interface {
	PostResult(ctx context.Context, token, activityID string, payload []byte) error
}

// Hooks are the side effects a server response can demand.
type Hooks interface {
	// Reconcile asks for a config fetch because the local activity set is stale.
	Reconcile()
	// Reauthenticate reports that token was rejected as invalid.
	Reauthenticate(token string)
	// Deprovisioned reports that the server no longer knows this agent.
	Deprovisioned()
	// Restored is called on the first accepted send after a failed one.
	Restored()
}

type Pipeline struct {
	poster  Poster
	store   queue.Repository
	state   *session.State
	codes   config.Codes
	hooks   Hooks
	metrics *metrics.Metrics
	every   time.Duration

	pending  atomic.Bool
	failed   atomic.Bool
	draining atomic.Bool
	logger   zerolog.Logger
}

func New(poster Poster, store queue.Repository, state *session.State, codes config.Codes, hooks Hooks, m *metrics.Metrics, drainEvery time.Duration) *Pipeline {
	if drainEvery <= 0 {
		drainEvery = 30 * time.Second
	}
	return &Pipeline{
		poster:  poster,
		store:   store,
		state:   state,
		codes:   codes,
		hooks:   hooks,
		metrics: m,
		every:   drainEvery,
		logger:  log.With().Str("component", "delivery").Logger(),
	}
}

// MarkDrainNeeded records that the store holds rows to ship.
func (p *Pipeline) MarkDrainNeeded() { p.pending.Store(true) }

func (p *Pipeline) DrainNeeded() bool { return p.pending.Load() }

// Send delivers one result. It never returns an error: every outcome ends
// in the store, a hook, or the result being dropped as already delivered.
func (p *Pipeline) Send(ctx context.Context, r domain.ExecutionResult) {
	p.metrics.Execution(r.ReturnCode)
	payload, err := json.Marshal(r.Payload())
	if err != nil {
		p.logger.Error().Err(err).Str("activity_id", r.ActivityID).Msg("failed to encode result")
		return
	}

	snap := p.state.Snapshot()
	if !snap.Valid {
		p.persist(ctx, r.ActivityID, payload)
		p.metrics.Delivery("live", "queued")
		return
	}

	err = p.poster.PostResult(ctx, snap.Token, r.ActivityID, payload)
	act := classify(err, p.codes)
	p.metrics.Delivery("live", act.String())

	switch act {
	case delivered:
		if p.failed.Swap(false) {
			p.logger.Info().Msg("collector reachable again")
			p.hooks.Restored()
		}
		if p.pending.Load() {
			go p.DrainStored(ctx)
		}
	case duplicate:
		p.logger.Debug().Str("activity_id", r.ActivityID).Msg("duplicate result dropped")
	case erroneous:
		p.logger.Warn().Err(err).Str("activity_id", r.ActivityID).Msg("payload rejected, keeping it aside")
		if err := p.store.InsertErroneous(context.WithoutCancel(ctx), r.ActivityID, payload); err != nil {
			p.logger.Error().Err(err).Str("activity_id", r.ActivityID).Msg("failed to store erroneous result")
		}
	case stale:
		p.logger.Warn().Err(err).Str("activity_id", r.ActivityID).Msg("activity not recognised, refreshing config")
		p.hooks.Reconcile()
	case reauth:
		p.persist(ctx, r.ActivityID, payload)
		p.hooks.Reauthenticate(snap.Token)
	case deprovision:
		p.logger.Warn().Err(err).Msg("agent removed on the server")
		p.hooks.Deprovisioned()
	default:
		p.logger.Warn().Err(err).Str("activity_id", r.ActivityID).Msg("failed to send result, storing it")
		p.failed.Store(true)
		p.persist(ctx, r.ActivityID, payload)
	}
}

func (p *Pipeline) persist(ctx context.Context, activityID string, payload []byte) {
	rowID, err := p.store.Insert(context.WithoutCancel(ctx), activityID, payload)
	if err != nil {
		p.logger.Error().Err(err).Str("activity_id", activityID).Msg("failed to store result, it is lost")
		return
	}
	p.pending.Store(true)
	p.logger.Debug().Int64("row_id", rowID).Str("activity_id", activityID).Msg("result stored")
}

// DrainStored ships stored rows oldest first, one at a time, until the store
// is empty or a row fails transiently. Only one drain runs at a time; a call
// made while another is running returns immediately. It returns the number
// of rows removed from the store.
func (p *Pipeline) DrainStored(ctx context.Context) int {
	if !p.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer p.draining.Store(false)

	n := 0
	defer func() {
		p.metrics.Drained(n)
		if n > 0 {
			p.logger.Info().Int("rows", n).Msg("drained stored results")
		}
	}()

	p.pending.Store(false)
	for ctx.Err() == nil {
		snap := p.state.Snapshot()
		if !snap.Valid {
			p.pending.Store(true)
			return n
		}
		row, err := p.store.Oldest(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			return n
		}
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to read stored result")
			p.pending.Store(true)
			return n
		}

		err = p.poster.PostResult(ctx, snap.Token, row.ActivityID, row.Result)
		act := classify(err, p.codes)
		p.metrics.Delivery("drain", act.String())
		logger := p.logger.With().Int64("row_id", row.RowID).Str("activity_id", row.ActivityID).Logger()

		switch act {
		case delivered, duplicate:
			if p.failed.Swap(false) {
				p.hooks.Restored()
			}
		case erroneous:
			logger.Warn().Err(err).Msg("stored payload rejected, keeping it aside")
			if err := p.store.MoveToErroneous(ctx, row.RowID); err != nil {
				logger.Error().Err(err).Msg("failed to move erroneous result")
				p.pending.Store(true)
				return n
			}
			n++
			continue
		case stale:
			removed, err := p.store.DeleteByActivity(ctx, row.ActivityID)
			if err != nil {
				logger.Error().Err(err).Msg("failed to delete results of unknown activity")
				p.pending.Store(true)
				return n
			}
			logger.Warn().Int("rows", removed).Msg("dropped stored results of unknown activity")
			n += removed
			p.hooks.Reconcile()
			continue
		case reauth:
			p.pending.Store(true)
			p.hooks.Reauthenticate(snap.Token)
			return n
		case deprovision:
			p.hooks.Deprovisioned()
			return n
		default:
			logger.Debug().Err(err).Msg("drain stopped on transient failure")
			p.failed.Store(true)
			p.pending.Store(true)
			return n
		}

		if err := p.store.Delete(ctx, row.RowID); err != nil {
			logger.Error().Err(err).Msg("failed to delete stored result")
			p.pending.Store(true)
			return n
		}
		n++
	}
	p.pending.Store(true)
	return n
}

// Run drains the store on a fixed cadence whenever rows are pending, until
// ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	if c, err := p.store.Count(ctx); err == nil && c > 0 {
		p.logger.Info().Int("rows", c).Msg("stored results found")
		p.pending.Store(true)
	}

	t := time.NewTicker(p.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if p.pending.Load() && p.state.Snapshot().Valid {
				p.DrainStored(ctx)
			}
		}
	}
}
