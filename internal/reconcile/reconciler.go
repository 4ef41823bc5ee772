// Package reconcile keeps the scheduler's activity set equal to the
// collector's configuration.
package reconcile

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"hostagent/internal/collector"
	"hostagent/internal/domain"
	"hostagent/internal/metrics"
	"hostagent/internal/scheduler"
	"hostagent/internal/session"
)

var ErrNoSession = errors.New("no valid session")

type Fetcher interface {
	FetchConfig(ctx context.Context, token string) (collector.Config, error)
}

type Scheduler interface {
	Reconcile(next []domain.Activity) scheduler.Diff
	Activities() []domain.Activity
}

type Hooks interface {
	// CategoryChanged is called after the session's category was updated.
	CategoryChanged(prev, next string)
	Reauthenticate(token string)
}

type Reconciler struct {
	fetcher Fetcher
	sched   Scheduler
	state   *session.State
	hooks   Hooks
	metrics *metrics.Metrics

	base   context.Context
	group  singleflight.Group
	logger zerolog.Logger
}

// New returns a reconciler. Trigger runs fetches under base.
func New(base context.Context, fetcher Fetcher, sched Scheduler, state *session.State, hooks Hooks, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		fetcher: fetcher,
		sched:   sched,
		state:   state,
		hooks:   hooks,
		metrics: m,
		base:    base,
		logger:  log.With().Str("component", "reconcile").Logger(),
	}
}

// Reconcile fetches the configuration and applies it. Calls made while a
// fetch is running wait for it and share its outcome instead of starting
// another.
func (r *Reconciler) Reconcile(ctx context.Context) (scheduler.Diff, error) {
	v, err, shared := r.group.Do("config", func() (any, error) {
		return r.reconcile(ctx)
	})
	if shared {
		r.logger.Debug().Msg("joined config fetch already in flight")
	}
	d, _ := v.(scheduler.Diff)
	return d, err
}

// Trigger starts a reconcile in the background.
func (r *Reconciler) Trigger() {
	go func() {
		_, _ = r.Reconcile(r.base)
	}()
}

func (r *Reconciler) reconcile(ctx context.Context) (scheduler.Diff, error) {
	snap := r.state.Snapshot()
	if !snap.Valid {
		return scheduler.Diff{}, ErrNoSession
	}

	cfg, err := r.fetcher.FetchConfig(ctx, snap.Token)
	r.metrics.Reconciled(err)
	if err != nil {
		var se *collector.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			r.logger.Warn().Err(err).Msg("config fetch rejected, session invalid")
			r.hooks.Reauthenticate(snap.Token)
		} else {
			r.logger.Error().Err(err).Msg("failed to fetch config")
		}
		return scheduler.Diff{}, err
	}

	d := r.sched.Reconcile(cfg.Activities)
	r.metrics.SetActivities(len(r.sched.Activities()))
	if !d.Empty() {
		r.logger.Info().Int("added", len(d.Add)).Int("replaced", len(d.Replace)).
			Int("renamed", len(d.Rename)).Int("removed", len(d.Remove)).Msg("config applied")
	}

	if cfg.Category != "" {
		if prev, changed := r.state.SetCategory(cfg.Category); changed {
			r.logger.Info().Str("from", prev).Str("to", cfg.Category).Msg("category changed")
			r.hooks.CategoryChanged(prev, cfg.Category)
		}
	}
	return d, nil
}
