package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hostagent/internal/config"
	"hostagent/internal/domain"
)

type Runner interface {
	Run(ctx context.Context, activityID, command string) domain.ExecutionResult
}

// Sink receives every result; the scheduler never waits on delivery.
type Sink interface {
	Send(ctx context.Context, r domain.ExecutionResult)
}

type Options struct {
	DefaultInterval time.Duration
	MaxInterval     time.Duration
	// Unit is the length of one interval step, a second in production.
	Unit   time.Duration
	Step   time.Duration
	Window time.Duration
	// OnFire is called each time an activity fires, before its command runs.
	OnFire func(a domain.Activity)
}

func (o *Options) defaults() {
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = config.DefaultInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = config.MaxInterval
	}
	if o.Unit <= 0 {
		o.Unit = time.Second
	}
	if o.Step <= 0 {
		o.Step = 500 * time.Millisecond
	}
	if o.Window < o.Step {
		o.Window = time.Minute
	}
}

// job binds one activity to its cron entry and stagger slot.
type job struct {
	activity domain.Activity
	entry    cron.EntryID
	first    *time.Timer
	slot     int
}

// Service owns the live activity set. At most one job exists per activity
// id; adding an id that is already scheduled cancels the old job first.
type Service struct {
	runner Runner
	sink   Sink
	opts   Options
	cron   *cron.Cron
	wrap   func(cron.Job) cron.Job
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	slots   []string // stagger slot -> activity id, "" when free
	free    []int
	origin  time.Time
	closed  bool
	running sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(runner Runner, sink Sink, opts Options) *Service {
	opts.defaults()
	logger := log.With().Str("component", "scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		runner: runner,
		sink:   sink,
		opts:   opts,
		cron:   cron.New(cron.WithLogger(cronLogger{logger})),
		wrap:   cron.NewChain(cron.Recover(cronLogger{logger})).Then,
		logger: logger,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info().Msg("schedule service started")
}

// interval clamps an activity's interval in seconds to the allowed range.
func (s *Service) interval(a domain.Activity) time.Duration {
	if a.Interval <= 0 || int64(a.Interval) > int64(s.opts.MaxInterval/s.opts.Unit) {
		return s.opts.DefaultInterval
	}
	return time.Duration(a.Interval) * s.opts.Unit
}

// AddActivity (re)schedules a. The first run happens within the next
// stagger step, offset by the activity's slot so that activities added
// together never start at the same instant. Periodic runs start on the
// window boundary, offset by the same slot.
func (s *Service) AddActivity(a domain.Activity) bool {
	if a.ID == "" || a.Command == "" {
		s.logger.Warn().Str("activity_id", a.ID).Str("activity", a.ActivityName).Msg("skipping activity without command")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.removeLocked(a.ID)

	slot := s.allocSlotLocked(a.ID)
	now := time.Now()
	elapsed := now.Sub(s.origin)
	every := s.interval(a)
	offset := time.Duration(slot) * s.opts.Step
	firstDelay := s.opts.Step - elapsed%s.opts.Step + offset
	alignDelay := s.opts.Window - elapsed%s.opts.Window + offset

	start := now.Add(alignDelay)
	if float64(alignDelay) < 0.7*float64(every) {
		start = start.Add(every)
	}

	j := &job{activity: a, slot: slot}
	run := s.wrap(cron.FuncJob(func() { s.fire(a.ID) }))
	j.entry = s.cron.Schedule(alignedEvery{start: start, every: every}, run)
	j.first = time.AfterFunc(firstDelay, run.Run)
	s.jobs[a.ID] = j

	s.logger.Info().Str("activity_id", a.ID).Str("activity", a.ActivityName).
		Dur("interval", every).Int("slot", slot).Time("periodic_start", start).Msg("starting activity")
	return true
}

// RemoveActivity cancels the activity's timers. A run already in flight
// completes and delivers its result.
func (s *Service) RemoveActivity(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Service) removeLocked(id string) bool {
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	j.first.Stop()
	delete(s.jobs, id)
	s.slots[j.slot] = ""
	s.free = append(s.free, j.slot)
	s.logger.Info().Str("activity_id", id).Str("activity", j.activity.ActivityName).Msg("removing activity")
	return true
}

func (s *Service) allocSlotLocked(id string) int {
	if len(s.jobs) == 0 {
		s.origin = time.Now()
		s.slots = s.slots[:0]
		s.free = s.free[:0]
	}
	if n := len(s.free); n > 0 {
		slot := s.free[0]
		s.free = s.free[1:]
		s.slots[slot] = id
		return slot
	}
	s.slots = append(s.slots, id)
	return len(s.slots) - 1
}

// Reconcile makes the live set equal to next and returns what changed.
func (s *Service) Reconcile(next []domain.Activity) Diff {
	d := ComputeDiff(s.liveSet(), next)
	for _, id := range d.Remove {
		s.RemoveActivity(id)
	}
	for _, a := range d.Replace {
		s.AddActivity(a)
	}
	for _, a := range d.Add {
		s.AddActivity(a)
	}
	if len(d.Rename) > 0 {
		s.mu.Lock()
		for _, a := range d.Rename {
			if j, ok := s.jobs[a.ID]; ok {
				j.activity = a
			}
		}
		s.mu.Unlock()
	}
	return d
}

func (s *Service) liveSet() map[string]domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Activity, len(s.jobs))
	for id, j := range s.jobs {
		out[id] = j.activity
	}
	return out
}

// Activities returns a copy of the live set.
func (s *Service) Activities() []domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Activity, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.activity)
	}
	return out
}

func (s *Service) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// StopAll cancels every job but leaves the service usable.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.jobs {
		s.removeLocked(id)
	}
}

// Shutdown cancels every job and waits for in-flight runs until ctx ends,
// after which their commands are killed. No new work is accepted after it.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	for id := range s.jobs {
		s.removeLocked(id)
	}
	s.closed = true
	s.mu.Unlock()

	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) fire(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	a := j.activity
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	if s.opts.OnFire != nil {
		s.opts.OnFire(a)
	}
	res := s.runner.Run(s.ctx, a.ID, a.Command)
	if res.ReturnCode != 0 {
		s.logger.Debug().Str("activity_id", a.ID).Int("code", res.ReturnCode).Msg("command exited non-zero")
	}
	s.sink.Send(s.ctx, res)
}
