// Package schedule fires named jobs on cron expressions or fixed intervals.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "driveperf/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Job runs on a cron goroutine. A job still running when its next
// activation comes is skipped for that activation.
type Job func(ctx context.Context)

// Entry describes a registered job.
type Entry struct {
	Name string
	Spec string
	Next time.Time
}

type entry struct {
	spec ParsedSpec
	job  Job
	id   cron.EntryID
}

type Scheduler struct {
	mu      sync.Mutex
	parser  cron.Parser
	loc     *time.Location
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*entry

	log logx.Logger
}

// New creates a stopped scheduler. An empty timezone means local time.
func New(timezone string, log logx.Logger) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("schedule: timezone %q: %w", tz, err)
		}
		loc = l
	}
	return &Scheduler{
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     loc,
		entries: map[string]*entry{},
		log:     log,
	}, nil
}

// Validate checks that raw is a schedule this scheduler accepts.
func (s *Scheduler) Validate(raw string) error {
	_, err := s.schedule(raw)
	return err
}

func (s *Scheduler) schedule(raw string) (cron.Schedule, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	if ps.Kind == SpecInterval {
		return cron.Every(ps.Every), nil
	}
	sched, err := s.parser.Parse(ps.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
	}
	return sched, nil
}

// Set registers or replaces the job called name. An empty spec removes it.
func (s *Scheduler) Set(name, raw string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(raw) == "" {
		s.removeLocked(name)
		return nil
	}
	ps, err := ParseSchedule(raw)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if _, err := s.schedule(raw); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.removeLocked(name)
	e := &entry{spec: ps, job: job}
	s.entries[name] = e
	if s.c != nil {
		s.addLocked(name, e)
	}
	return nil
}

func (s *Scheduler) removeLocked(name string) {
	e, ok := s.entries[name]
	if !ok {
		return
	}
	if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
	}
	delete(s.entries, name)
}

func (s *Scheduler) addLocked(name string, e *entry) {
	var sched cron.Schedule
	if e.spec.Kind == SpecInterval {
		sched = cron.Every(e.spec.Every)
	} else {
		sched, _ = s.parser.Parse(e.spec.Cron)
	}
	ctx := s.ctx
	job := e.job
	log := s.log
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: log})).Then(cron.FuncJob(func() {
		log.Debug("schedule fired", logx.String("job", name))
		job(ctx)
	}))
	e.id = s.c.Schedule(sched, wrapped)
}

// Start begins firing registered jobs. Jobs receive a context canceled by
// Stop or by ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	for name, e := range s.entries {
		s.addLocked(name, e)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.entries)))
}

// Stop halts firing and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, e := range s.entries {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Entries lists registered jobs sorted by name. Next is zero while
// stopped.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for name, e := range s.entries {
		en := Entry{Name: name, Spec: e.spec.String()}
		if s.c != nil && e.id != 0 {
			en.Next = s.c.Entry(e.id).Next
		}
		out = append(out, en)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
