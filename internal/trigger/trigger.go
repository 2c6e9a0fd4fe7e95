package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"framesched/internal/eventbus"
	"framesched/internal/scheduler"
	logx "framesched/pkg/logx"
)

// Registrar is the part of the scheduler the bridge needs.
type Registrar interface {
	Schedule(work scheduler.Work, opt scheduler.Options) (*scheduler.Handle, error)
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
	// MaxSpread caps the random first-run delay of interval jobs.
	// 0 uses 30s; negative disables it.
	MaxSpread time.Duration
}

// Job is one wall-clock schedule.
type Job struct {
	Name     string
	Schedule string
	Stages   scheduler.StageSet
	Priority int
	Async    bool
	Work     scheduler.Work
}

type def struct {
	job     Job
	spec    ParsedSpec
	entryID cron.EntryID
	spread  time.Duration

	pending atomic.Pointer[scheduler.Handle]
	removed atomic.Bool
	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	reg Registrar
	cfg Config
	loc *time.Location

	c    *cron.Cron
	defs []*def
}

func New(cfg Config, reg Registrar, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, reg: reg, log: log.With(logx.String("comp", "trigger")), bus: bus}
}

// Apply swaps the config; a timezone change restarts a running cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Add registers job, replacing any job with the same name.
func (s *Service) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.New("trigger: name required")
	}
	if job.Work == nil {
		return fmt.Errorf("trigger %q: %w", job.Name, scheduler.ErrNilWork)
	}
	if job.Stages.Empty() {
		job.Stages = scheduler.Stages(scheduler.PostUpdate)
	}
	ps, err := Validate(job.Schedule)
	if err != nil {
		return fmt.Errorf("trigger %q: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(job.Name)
	d := &def{job: job, spec: ps}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("trigger register failed", logx.String("name", job.Name), logx.String("spec", ps.CronSpec()), logx.Err(err))
		return err
	}
	s.log.Debug("trigger registered", logx.String("name", job.Name), logx.String("spec", ps.CronSpec()),
		logx.String("stages", job.Stages.String()), logx.Duration("spread", d.spread))
	return nil
}

// Remove unschedules the named job and cancels its pending frame task.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("trigger removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.job.Name != name {
			s.defs[n] = d
			n++
			continue
		}
		removed = true
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		d.removed.Store(true)
		if h := d.pending.Swap(nil); h != nil {
			h.Cancel()
		}
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

// Start begins cron triggering for every added job. A cancelled ctx is a no-op.
func (s *Service) Start(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		s.log.Warn("trigger service not started", logx.Err(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("trigger register failed", logx.String("name", d.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts cron triggering. Frame tasks already registered still fire.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("trigger service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.startLocked()
	s.log.Info("trigger service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) addCronLocked(d *def) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if d.spec.Kind == SpecInterval {
		maxSpread := s.cfg.MaxSpread
		if maxSpread == 0 {
			maxSpread = defaultMaxSpread
		}
		sched, jitter := intervalWithSpread(d.spec.Every, maxSpread, time.Now().In(s.loc), d.job.Name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.spread = 0
	eid, err := s.c.AddJob(d.spec.Cron, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// fire runs on the cron goroutine and only registers the frame task.
func (s *Service) fire(d *def) {
	name := d.job.Name
	if d.removed.Load() {
		return
	}
	// Claimed before registering so a racing fire cannot double-enqueue.
	placeholder := &scheduler.Handle{}
	if !d.pending.CompareAndSwap(nil, placeholder) {
		d.skipped.Add(1)
		s.log.Debug("trigger skipped; previous run pending", logx.String("name", name))
		s.publish(eventbus.TriggerSkipped, d, "previous run pending")
		return
	}
	work := d.job.Work
	async := d.job.Async
	h, err := s.reg.Schedule(func(ctx context.Context) error {
		err := work(ctx)
		// Async runs are consumed at dispatch, so a fault is never retried.
		if async || err == nil || errors.Is(err, scheduler.ErrCancelTask) {
			d.pending.Store(nil)
		}
		return err
	}, scheduler.Options{
		Name:     "trigger:" + name,
		Stages:   d.job.Stages,
		Priority: d.job.Priority,
		Async:    d.job.Async,
	})
	if err != nil {
		d.pending.CompareAndSwap(placeholder, nil)
		d.failed.Add(1)
		s.log.Warn("trigger enqueue failed", logx.String("name", name), logx.Err(err))
		return
	}
	// The task may already have completed on a frame pass.
	d.pending.CompareAndSwap(placeholder, h)
	// Remove may have swapped out the placeholder while Schedule ran.
	if d.removed.Load() {
		h.Cancel()
		return
	}
	d.fired.Add(1)
	s.publish(eventbus.TriggerFired, d, "")
}

func (s *Service) publish(typ string, d *def, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.TriggerEvent{
		Name:   d.job.Name,
		Spec:   d.spec.CronSpec(),
		Reason: reason,
	}})
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

type JobInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Stages  string        `json:"stages"`
	Async   bool          `json:"async,omitempty"`
	Spread  time.Duration `json:"spread,omitempty"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
	Pending bool          `json:"pending"`
	Fired   uint64        `json:"fired"`
	Skipped uint64        `json:"skipped"`
	Failed  uint64        `json:"failed"`
}

type Snapshot struct {
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	if snap.Timezone == "" && s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := JobInfo{
			Name:    d.job.Name,
			Spec:    d.spec.CronSpec(),
			Stages:  d.job.Stages.String(),
			Async:   d.job.Async,
			Spread:  d.spread,
			Pending: d.pending.Load() != nil,
			Fired:   d.fired.Load(),
			Skipped: d.skipped.Load(),
			Failed:  d.failed.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	return snap
}
