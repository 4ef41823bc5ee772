package push

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hostagent/internal/metrics"
	"hostagent/internal/session"
)

var errNoSession = errors.New("no valid session")

// Handler carries out what server events ask for. Calls are made on their
// own goroutine.
type Handler interface {
	Reconcile()
	AgentRemoved()
	OrgTokenReset()
	Upgrade(version string)
}

// Listener owns the push connection. At most one connect loop runs at a
// time; each attempt uses the session token current at that moment.
type Listener struct {
	dialer  Dialer
	state   *session.State
	policy  session.Policy
	handler Handler
	isLive  func(activityID string) bool
	version string
	metrics *metrics.Metrics

	// ConnectTimeout bounds the wait for the server to confirm a dial.
	ConnectTimeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	conn   Conn
	gen    uint64
	ready  chan error
	closed bool

	connected    atomic.Bool
	reconnecting atomic.Bool
	logger       zerolog.Logger
}

func NewListener(dialer Dialer, state *session.State, policy session.Policy, handler Handler, isLive func(string) bool, version string, m *metrics.Metrics) *Listener {
	return &Listener{
		dialer:         dialer,
		state:          state,
		policy:         policy,
		handler:        handler,
		isLive:         isLive,
		version:        version,
		metrics:        m,
		ConnectTimeout: 30 * time.Second,
		logger:         log.With().Str("component", "push").Logger(),
	}
}

// Start drops any current connection and connects with the live session.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.ctx == nil || l.ctx.Err() != nil {
		l.ctx, l.cancel = context.WithCancel(ctx)
	}
	l.closed = false
	old := l.conn
	l.conn = nil
	l.gen++
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}
	l.connected.Store(false)
	l.metrics.SetPushConnected(false)
	l.reconnect()
}

// Ensure reconnects if the channel is down and no reconnect is running.
func (l *Listener) Ensure() {
	if !l.connected.Load() {
		l.reconnect()
	}
}

func (l *Listener) Connected() bool { return l.connected.Load() }

// Close disconnects and stops reconnecting until the next Start.
func (l *Listener) Close() {
	l.mu.Lock()
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	conn := l.conn
	l.conn = nil
	l.gen++
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	l.connected.Store(false)
	l.metrics.SetPushConnected(false)
}

// Rejoin moves the connection from the prev category room to next.
func (l *Listener) Rejoin(prev, next string) {
	org := l.state.Snapshot().OrgID
	if prev != "" {
		l.emit(emitLeave, map[string]any{"org": org, "category": prev})
	}
	l.emit(emitJoin, map[string]any{"org": org, "category": next})
}

func (l *Listener) emit(event string, data map[string]any) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil || !l.connected.Load() {
		return
	}
	if err := conn.Emit(event, data); err != nil {
		l.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}

func (l *Listener) reconnect() {
	if !l.reconnecting.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	ctx, closed := l.ctx, l.closed
	l.mu.Unlock()
	if closed || ctx == nil {
		l.reconnecting.Store(false)
		return
	}

	go func() {
		var err error
		defer func() {
			l.reconnecting.Store(false)
			l.mu.Lock()
			cur, closed := l.ctx, l.closed
			l.mu.Unlock()
			// A disconnect may have raced the end of a successful loop, or a
			// Start may have lost the race against this loop's exit.
			superseded := cur != ctx
			if (err == nil || superseded) && !closed && cur.Err() == nil && !l.connected.Load() {
				l.reconnect()
			}
		}()

		attempts := 0
		op := func() (struct{}, error) {
			attempts++
			if attempts > 1 {
				l.metrics.PushReconnect()
			}
			snap := l.state.Snapshot()
			if !snap.Valid {
				return struct{}{}, backoff.Permanent(errNoSession)
			}
			return struct{}{}, l.dial(ctx, snap.Token)
		}
		opts := []backoff.RetryOption{
			backoff.WithBackOff(l.policy.BackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, d time.Duration) {
				l.logger.Warn().Err(err).Int("attempt", attempts).Dur("delay", d).Msg("push channel down, reconnecting")
			}),
		}
		if !l.policy.Unlimited() {
			opts = append(opts, backoff.WithMaxTries(uint(max(l.policy.MaxAttempts, 1))))
		}
		if _, err = backoff.Retry(ctx, op, opts...); err != nil && ctx.Err() == nil {
			l.logger.Error().Err(err).Int("attempts", attempts).Msg("giving up on push channel")
		}
	}()
}

// dial opens one connection and waits for the server to confirm it.
func (l *Listener) dial(ctx context.Context, token string) error {
	ready := make(chan error, 1)
	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.ready = ready
	l.mu.Unlock()

	conn, err := l.dialer.Dial(ctx, token, func(ev Event) { l.handle(gen, ev) })
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		conn.Close()
		return nil
	}
	l.conn = conn
	l.mu.Unlock()

	timer := time.NewTimer(l.ConnectTimeout)
	defer timer.Stop()
	select {
	case err = <-ready:
	case <-timer.C:
		err = errors.New("timed out waiting for connect")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		conn.Close()
		return err
	}

	snap := l.state.Snapshot()
	l.emit(emitJoin, map[string]any{"org": snap.OrgID})
	if snap.CategoryID != "" {
		l.emit(emitJoin, map[string]any{"org": snap.OrgID, "category": snap.CategoryID})
	}
	return nil
}

func signal(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (l *Listener) handle(gen uint64, ev Event) {
	l.mu.Lock()
	current := gen == l.gen && !l.closed
	ready := l.ready
	l.mu.Unlock()
	if !current {
		return
	}

	snap := l.state.Snapshot()
	logger := l.logger.With().Str("event", ev.Name).Logger()

	switch ev.Name {
	case EventConnect:
		logger.Info().Msg("push channel connected")
		l.connected.Store(true)
		l.metrics.SetPushConnected(true)
		signal(ready, nil)

	case EventDisconnect, EventConnectError:
		wasUp := l.connected.Swap(false)
		l.metrics.SetPushConnected(false)
		signal(ready, fmt.Errorf("%s: %v", ev.Name, ev.Data))
		if wasUp {
			logger.Warn().Any("reason", ev.Data).Msg("push channel lost")
			l.reconnect()
		}

	case EventJoined:
		if str(ev.Data, "category") != "" {
			logger.Info().Msg("joined category room")
		} else {
			logger.Info().Msg("joined organization room")
		}

	case EventLeft:
		logger.Info().Msg("left category room")

	case EventAgentRemoved:
		servers, ok := list(ev.Data, "servers")
		if !ok || slices.Contains(servers, snap.AgentID) {
			logger.Warn().Msg("agent removed")
			go l.handler.AgentRemoved()
		}

	case EventCategoryChanged:
		servers, _ := list(ev.Data, "servers")
		cat := str(ev.Data, "category")
		if cat == "" || !slices.Contains(servers, snap.AgentID) {
			return
		}
		if prev, changed := l.state.SetCategory(cat); changed {
			logger.Info().Str("from", prev).Str("to", cat).Msg("changing category")
			l.Rejoin(prev, cat)
		}
		go l.handler.Reconcile()

	case EventCategoryDeleted:
		if cat := str(ev.Data, "category"); cat != "" && cat == snap.CategoryID {
			logger.Info().Msg("category deleted, fetching config")
			go l.handler.Reconcile()
		}

	case EventActivityDeleted:
		if id := str(ev.Data, "activity"); id != "" && l.isLive != nil && l.isLive(id) {
			go l.handler.Reconcile()
		}

	case EventActivityList, EventActivityUpdated:
		go l.handler.Reconcile()

	case EventUpgradeAgent:
		if v := str(ev.Data, "agentVersion"); v != "" && v != l.version {
			logger.Info().Str("target", v).Msg("upgrade requested")
			go l.handler.Upgrade(v)
		}

	case EventOrgTokenReset:
		logger.Warn().Msg("organization token reset")
		go l.handler.OrgTokenReset()

	case EventError:
		logger.Error().Any("error", ev.Data).Msg("push channel error")

	default:
		logger.Debug().Any("data", ev.Data).Msg("push message")
	}
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// list reads a string array field. ok is false when the field is absent.
func list(data map[string]any, key string) ([]string, bool) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, true
}
