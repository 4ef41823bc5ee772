// Package agent wires the components together and owns the process
// lifecycle: startup, the reactions to server verdicts, and shutdown.
package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"hostagent/internal/api"
	"hostagent/internal/collector"
	"hostagent/internal/config"
	"hostagent/internal/delivery"
	"hostagent/internal/domain"
	"hostagent/internal/handlers/shell"
	"hostagent/internal/metrics"
	"hostagent/internal/push"
	"hostagent/internal/queue"
	"hostagent/internal/reconcile"
	"hostagent/internal/scheduler"
	"hostagent/internal/session"
)

// Scripts are the detached helpers the agent hands over to when it leaves.
type Scripts interface {
	Update(agentID, version, orgToken, proxy string) error
	Uninstall() error
}

// Deps are optional replacements for the production collaborators.
type Deps struct {
	Runner  scheduler.Runner
	Dialer  push.Dialer
	Scripts Scripts
	Metrics *metrics.Metrics
}

type Agent struct {
	cfg      config.Config
	identity config.Identity
	store    queue.Repository
	scripts  Scripts
	metrics  *metrics.Metrics

	state  *session.State
	auth   *session.Authenticator
	sched  *scheduler.Service
	pipe   *delivery.Pipeline
	recon  *reconcile.Reconciler
	listen *push.Listener

	ctx    context.Context
	cancel context.CancelFunc

	termOnce sync.Once
	exitCode int
	reason   string
	after    func()

	logger zerolog.Logger
}

func New(cfg config.Config, identity config.Identity, store queue.Repository, deps Deps) (*Agent, error) {
	client, err := collector.New(cfg.ServerURL, collector.Paths{
		Auth:   cfg.AuthPath,
		Data:   cfg.DataPath,
		Config: cfg.ConfigPath,
	}, cfg.HTTPTimeout, cfg.HTTPProxy)
	if err != nil {
		return nil, err
	}

	if deps.Runner == nil {
		deps.Runner = shell.Shell{}
	}
	if deps.Dialer == nil {
		deps.Dialer = push.SocketIO{URL: cfg.PushURL, Path: cfg.PushPath, LongPollingOnly: cfg.HTTPProxy != ""}
	}
	if deps.Scripts == nil {
		return nil, errors.New("agent: scripts are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:      cfg,
		identity: identity,
		store:    store,
		scripts:  deps.Scripts,
		metrics:  deps.Metrics,
		state:    session.NewState(),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With().Str("component", "agent").Logger(),
	}

	policy := session.Policy{
		Steps:       session.Sequence(cfg.Backoff()),
		MaxAttempts: cfg.MaxConnectAttempts,
		Every:       cfg.UnlimitedRetryInterval,
	}
	a.pipe = delivery.New(client, store, a.state, cfg.Codes, a, a.metrics, cfg.DrainInterval)
	a.sched = scheduler.NewService(deps.Runner, a.pipe, scheduler.Options{
		DefaultInterval: cfg.DefaultInterval,
		MaxInterval:     cfg.MaxInterval,
		Step:            cfg.StaggerStep,
		Window:          cfg.StaggerWindow,
		OnFire: func(act domain.Activity) {
			a.logger.Debug().Str("activity_id", act.ID).Str("activity", act.ActivityName).Msg("executing activity")
		},
	})
	a.recon = reconcile.New(ctx, client, a.sched, a.state, a, a.metrics)
	a.listen = push.NewListener(deps.Dialer, a.state, policy, a, a.sched.Has, identity.AgentVersion, a.metrics)
	a.auth = session.NewAuthenticator(client, a.state, policy, identity.AgentToken, identity.AgentVersion, a)
	return a, nil
}

// Run starts the agent and blocks until ctx ends or the agent terminates
// itself. It returns the process exit code.
func (a *Agent) Run(ctx context.Context) int {
	stop := context.AfterFunc(ctx, func() { a.terminate(0, "signal", nil) })
	defer stop()

	g, gctx := errgroup.WithContext(a.ctx)
	a.sched.Start()

	g.Go(func() error {
		a.pipe.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.auth.Run(gctx)
		return nil
	})

	if a.cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.StatusAddr,
			Handler:           api.NewServerWithDebug(a, a.store, a.metrics, a.cfg.StatusDebug),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info().Str("addr", a.cfg.StatusAddr).Msg("status server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("status server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	<-a.ctx.Done()
	a.shutdown()
	if err := g.Wait(); err != nil {
		a.logger.Warn().Err(err).Msg("component stopped with error")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close store")
	}

	if a.after != nil {
		a.after()
	}
	a.logger.Info().Str("reason", a.reason).Int("exit_code", a.exitCode).Msg("agent stopped")
	return a.exitCode
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.sched.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("in-flight activities did not finish")
	}
	a.listen.Close()
}

// terminate stops the agent once. after runs when every component is down.
func (a *Agent) terminate(code int, reason string, after func()) {
	a.termOnce.Do(func() {
		a.logger.Info().Str("reason", reason).Msg("terminating")
		a.exitCode = code
		a.reason = reason
		a.after = after
		a.cancel()
	})
}

// Authenticated implements session.Hooks.
func (a *Agent) Authenticated(ctx context.Context, s collector.Session) {
	d := a.sched.Reconcile(s.Activities)
	a.metrics.SetActivities(len(a.sched.Activities()))
	a.logger.Info().Int("activities", len(d.Add)+len(d.Replace)).Msg("activities started")
	a.listen.Start(a.ctx)
	go a.pipe.DrainStored(a.ctx)
}

func (a *Agent) Upgrade(version string) {
	a.terminate(0, "upgrade", func() {
		if err := a.scripts.Update(a.identity.AgentID, version, a.identity.OrgToken, a.cfg.HTTPProxy); err != nil {
			a.logger.Error().Err(err).Msg("failed to start update")
		}
	})
}

func (a *Agent) StopServices() {
	a.sched.StopAll()
	a.listen.Close()
}

func (a *Agent) Fatal(err error) {
	a.logger.Error().Err(err).Msg("authentication failed for good")
	a.terminate(1, err.Error(), nil)
}

// Reconcile implements delivery.Hooks and push.Handler.
func (a *Agent) Reconcile() { a.recon.Trigger() }

func (a *Agent) Reauthenticate(token string) {
	if a.auth.Reauthenticate(a.ctx, token) {
		a.metrics.Reauthenticated()
	}
}

func (a *Agent) Deprovisioned() { a.AgentRemoved() }

func (a *Agent) Restored() {
	a.recon.Trigger()
	a.listen.Ensure()
}

// CategoryChanged implements reconcile.Hooks.
func (a *Agent) CategoryChanged(prev, next string) { a.listen.Rejoin(prev, next) }

func (a *Agent) AgentRemoved() {
	a.terminate(0, "agent removed", func() {
		if err := a.scripts.Uninstall(); err != nil {
			a.logger.Error().Err(err).Msg("failed to start uninstall")
		}
	})
}

func (a *Agent) OrgTokenReset() { a.terminate(0, "organization token reset", nil) }

// The methods below implement api.Agent.

func (a *Agent) Activities() []domain.Activity { return a.sched.Activities() }
func (a *Agent) Session() session.Snapshot     { return a.state.Snapshot() }
func (a *Agent) AuthStatus() session.Status    { return a.auth.Status() }
func (a *Agent) PushConnected() bool           { return a.listen.Connected() }

func (a *Agent) DrainNow(ctx context.Context) int { return a.pipe.DrainStored(ctx) }

func (a *Agent) ReconcileNow(ctx context.Context) (scheduler.Diff, error) {
	return a.recon.Reconcile(ctx)
}

var (
	_ session.Hooks   = (*Agent)(nil)
	_ delivery.Hooks  = (*Agent)(nil)
	_ reconcile.Hooks = (*Agent)(nil)
	_ push.Handler    = (*Agent)(nil)
	_ api.Agent       = (*Agent)(nil)
)
