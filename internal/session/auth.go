package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hostagent/internal/collector"
)

var (
	ErrInvalidCredentials = errors.New("invalid agent credentials")
	ErrRejected           = errors.New("authentication rejected")
	ErrMaxAttempts        = errors.New("max reconnect attempts exceeded")
)

type Status int32

const (
	Unauthenticated Status = iota
	Authenticating
	Authenticated
	Reauthenticating
	Terminated
)

func (s Status) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Reauthenticating:
		return "reauthenticating"
	case Terminated:
		return "terminated"
	default:
		return "unauthenticated"
	}
}

type Client interface {
	Authenticate(ctx context.Context, agentToken string) (collector.Session, error)
}

// Hooks bootstrap and tear down the rest of the agent around a login.
type Hooks interface {
	// Authenticated starts the scheduler with the returned activities and
	// connects the push listener.
	Authenticated(ctx context.Context, s collector.Session)
	// Upgrade is called instead of Authenticated when the server runs a
	// different agent version.
	Upgrade(version string)
	// StopServices halts scheduled work before a reauthentication.
	StopServices()
	// Fatal reports an unrecoverable authentication failure.
	Fatal(err error)
}

type Authenticator struct {
	client     Client
	state      *State
	policy     Policy
	agentToken string
	version    string
	hooks      Hooks

	inflight atomic.Bool
	status   atomic.Int32
	logger   zerolog.Logger
}

func NewAuthenticator(client Client, state *State, policy Policy, agentToken, version string, hooks Hooks) *Authenticator {
	return &Authenticator{
		client:     client,
		state:      state,
		policy:     policy,
		agentToken: agentToken,
		version:    version,
		hooks:      hooks,
		logger:     log.With().Str("component", "auth").Logger(),
	}
}

func (a *Authenticator) Status() Status { return Status(a.status.Load()) }

// Run authenticates and reports any fatal outcome through Hooks.Fatal.
func (a *Authenticator) Run(ctx context.Context) {
	err := a.Authenticate(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	a.status.Store(int32(Terminated))
	a.hooks.Fatal(err)
}

// Authenticate logs in, retrying transport failures along the policy. It
// returns ErrInvalidCredentials or ErrRejected for responses that retrying
// cannot fix and ErrMaxAttempts once a bounded policy is exhausted.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	if a.Status() != Reauthenticating {
		a.status.Store(int32(Authenticating))
	}

	attempts := 0
	op := func() (collector.Session, error) {
		attempts++
		sess, err := a.client.Authenticate(ctx, a.agentToken)
		if err == nil {
			return sess, nil
		}
		var se *collector.StatusError
		if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
			switch se.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return sess, backoff.Permanent(fmt.Errorf("%w: %v", ErrInvalidCredentials, err))
			default:
				return sess, backoff.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
			}
		}
		return sess, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(a.policy.BackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			a.logger.Warn().Err(err).Int("attempt", attempts).Dur("delay", d).Msg("unable to create connection, attempting to reconnect")
		}),
	}
	if !a.policy.Unlimited() {
		opts = append(opts, backoff.WithMaxTries(uint(max(a.policy.MaxAttempts, 1))))
	}

	sess, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrRejected) {
			return err
		}
		return fmt.Errorf("%w after %d attempts: %v", ErrMaxAttempts, attempts, err)
	}

	gen := a.state.Replace(sess.Token, sess.AgentID, sess.OrgID, sess.CategoryID)
	a.logger.Info().Uint64("generation", gen).Str("org", sess.OrgID).Str("category", sess.CategoryID).
		Int("activities", len(sess.Activities)).Msg("authenticated")

	if sess.AgentVersion != "" && a.version != "" && sess.AgentVersion != a.version {
		a.logger.Info().Str("current", a.version).Str("target", sess.AgentVersion).Msg("updating agent on startup")
		a.status.Store(int32(Terminated))
		a.hooks.Upgrade(sess.AgentVersion)
		return nil
	}

	a.status.Store(int32(Authenticated))
	a.hooks.Authenticated(ctx, sess)
	return nil
}

// Reauthenticate starts a new login if token is still the live session
// token and no reauthentication is already running. It reports whether
// this call started one.
func (a *Authenticator) Reauthenticate(ctx context.Context, token string) bool {
	if !a.inflight.CompareAndSwap(false, true) {
		return false
	}
	if !a.state.Invalidate(token) {
		a.inflight.Store(false)
		return false
	}
	a.logger.Warn().Msg("session invalidated, reauthenticating")
	a.status.Store(int32(Reauthenticating))
	a.hooks.StopServices()

	go func() {
		defer a.inflight.Store(false)
		a.Run(ctx)
	}()
	return true
}
