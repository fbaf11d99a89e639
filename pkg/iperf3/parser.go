package iperf3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	logx "driveperf/pkg/logx"
)

const (
	// DefaultParseInterval is the delay between Parse calls in Run.
	DefaultParseInterval = time.Second
	// FastParseInterval is the tight variant used for short tests.
	FastParseInterval = 10 * time.Millisecond

	// Lines longer than this are dropped as malformed.
	maxLineBytes = 4 << 20
)

// State is the parser lifecycle state.
type State int32

const (
	Reading State = iota
	Finished
	Closed
)

func (s State) String() string {
	switch s {
	case Reading:
		return "reading"
	case Finished:
		return "finished"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives dispatched events. Handlers run synchronously on the
// goroutine calling Parse and must not block.
type Handler func(Event)

type subscription struct {
	id   uint64
	kind Kind
	h    Handler
}

// Option customizes a Parser.
type Option func(*Parser)

// WithFollow makes end-of-file mean "no more data yet" instead of
// "exhausted". Use it when tailing a file that another process is still
// writing; call Finish once the writer is done.
func WithFollow(follow bool) Option { return func(p *Parser) { p.follow = follow } }

// WithLogger sets the logger used for skipped lines.
func WithLogger(log logx.Logger) Option { return func(p *Parser) { p.log = log } }

// Parser is a cooperative, incremental iperf3 JSON-lines reader.
//
// Parse, Finish and Run must be driven from one goroutine at a time (they
// serialize internally). Subscribe, Unsubscribe, OnCompletion and the
// accessors are safe from any goroutine.
type Parser struct {
	rd     *bufio.Reader
	closer io.Closer
	follow bool
	log    logx.Logger

	// parseMu serializes reads and dispatch.
	parseMu sync.Mutex
	pending []byte

	state atomic.Int32

	// mu guards the fields below. It is never held while handlers run.
	mu         sync.Mutex
	subs       []subscription
	seq        uint64
	onComplete func()
	fired      bool
	lastStart  *Start
	intervals  []Interval
	sawEnd     bool
	readErr    error

	lines   atomic.Uint64
	skipped atomic.Uint64

	done chan struct{}
}

// New returns a parser reading from r. If r is an io.Closer it is closed by
// Close.
func New(r io.Reader, opts ...Option) *Parser {
	p := &Parser{
		rd:   bufio.NewReader(r),
		done: make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		p.closer = c
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	return p
}

// Open returns a parser over the file at path. The error wraps
// ErrSourceUnavailable when the file cannot be opened.
func Open(path string, opts ...Option) (*Parser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return New(f, opts...), nil
}

// Subscribe registers h for events of the given kind (KindAny for all).
// Handlers are invoked in subscription order. The returned func removes
// the subscription and is safe to call more than once.
func (p *Parser) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}
	p.mu.Lock()
	p.seq++
	id := p.seq
	p.subs = append(p.subs, subscription{id: id, kind: kind, h: h})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.unsubscribe(id) })
	}
}

func (p *Parser) unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s.id == id {
			// keep order for the remaining handlers
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			return
		}
	}
}

// OnCompletion sets the callback fired once when the stream reaches its end
// (an "end" event, end of input, or a read error). Passing nil clears it.
// If the parser already finished, cb is not called retroactively.
func (p *Parser) OnCompletion(cb func()) {
	p.mu.Lock()
	p.onComplete = cb
	p.mu.Unlock()
}

// Parse reads every whole line currently available and dispatches the
// decoded events. It returns nil once finished; later calls are no-ops.
// Undecodable lines are logged and skipped.
func (p *Parser) Parse() error {
	p.parseMu.Lock()
	err := p.parseLocked()
	fire := p.takeCompletion()
	p.parseMu.Unlock()

	if fire != nil {
		fire()
	}
	return err
}

// Finish drains the remaining input treating end-of-file as the end of the
// stream, then finishes the parser. Use it in follow mode after the writer
// exited; the completion callback fires if no "end" event was seen.
func (p *Parser) Finish() error {
	p.parseMu.Lock()
	p.follow = false
	err := p.parseLocked()
	if p.State() == Reading {
		p.finishLocked()
	}
	fire := p.takeCompletion()
	p.parseMu.Unlock()

	if fire != nil {
		fire()
	}
	return err
}

// Run calls Parse every interval until the parser finishes or ctx is done.
func (p *Parser) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = DefaultParseInterval
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := p.Parse(); err != nil {
			return err
		}
		if p.State() != Reading {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close releases the source. Completion is not fired by Close.
func (p *Parser) Close() error {
	p.parseMu.Lock()
	defer p.parseMu.Unlock()
	if p.State() == Closed {
		return nil
	}
	p.state.Store(int32(Closed))
	p.mu.Lock()
	if !p.fired {
		p.fired = true
		close(p.done)
	}
	p.mu.Unlock()
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

func (p *Parser) parseLocked() error {
	if p.State() != Reading {
		return nil
	}
	for {
		chunk, err := p.rd.ReadSlice('\n')
		if len(chunk) > 0 {
			p.pending = append(p.pending, chunk...)
		}
		switch {
		case err == nil:
			p.handleLine(p.pending)
			p.pending = p.pending[:0]
			if p.State() != Reading {
				return nil
			}
		case errors.Is(err, bufio.ErrBufferFull):
			if len(p.pending) > maxLineBytes {
				p.skipped.Add(1)
				p.log.Warn("iperf3 line too long; dropped", logx.Int("bytes", len(p.pending)))
				p.pending = p.pending[:0]
				if err := p.discardLine(); err != nil {
					return p.readFailed(err)
				}
			}
		case errors.Is(err, io.EOF):
			if p.follow {
				return nil
			}
			if len(p.pending) > 0 {
				p.handleLine(p.pending)
				p.pending = p.pending[:0]
			}
			if p.State() == Reading {
				p.finishLocked()
			}
			return nil
		default:
			return p.readFailed(err)
		}
	}
}

// discardLine skips input up to and including the next newline.
func (p *Parser) discardLine() error {
	for {
		_, err := p.rd.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}

func (p *Parser) readFailed(err error) error {
	if errors.Is(err, io.EOF) {
		if !p.follow {
			p.finishLocked()
		}
		return nil
	}
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	p.finishLocked()
	return fmt.Errorf("iperf3: read: %w", err)
}

func (p *Parser) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	p.lines.Add(1)

	ev, err := Decode(line)
	if err != nil {
		p.skipped.Add(1)
		var uk *UnknownEventError
		if errors.As(err, &uk) {
			p.log.Debug("iperf3 event skipped", logx.String("kind", uk.Kind))
		} else {
			p.log.Warn("iperf3 line skipped", logx.Err(err), logx.String("line", truncate(line, 200)))
		}
		return
	}

	switch e := ev.(type) {
	case Start:
		p.mu.Lock()
		p.lastStart = &e
		p.mu.Unlock()
	case Interval:
		p.mu.Lock()
		p.intervals = append(p.intervals, e)
		p.mu.Unlock()
	case End:
		p.mu.Lock()
		p.sawEnd = true
		p.mu.Unlock()
	}

	p.dispatch(ev)

	if ev.Kind() == KindEnd {
		p.finishLocked()
	}
}

func (p *Parser) dispatch(ev Event) {
	p.mu.Lock()
	subs := make([]subscription, 0, len(p.subs))
	for _, s := range p.subs {
		if s.kind == KindAny || s.kind == ev.Kind() {
			subs = append(subs, s)
		}
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.h(ev)
	}
}

func (p *Parser) finishLocked() {
	p.state.CompareAndSwap(int32(Reading), int32(Finished))
}

// takeCompletion returns the completion callback if the parser finished
// and it has not fired yet.
func (p *Parser) takeCompletion() func() {
	if p.State() != Finished {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fired {
		return nil
	}
	p.fired = true
	close(p.done)
	cb := p.onComplete
	if cb == nil {
		return nil
	}
	return cb
}

// State returns the current lifecycle state.
func (p *Parser) State() State { return State(p.state.Load()) }

// Done is closed once the parser finished or was closed.
func (p *Parser) Done() <-chan struct{} { return p.done }

// LastStart returns the most recent start event, if any.
func (p *Parser) LastStart() (Start, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastStart == nil {
		return Start{}, false
	}
	return *p.lastStart, true
}

// Intervals returns a copy of the interval history.
func (p *Parser) Intervals() []Interval {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Interval(nil), p.intervals...)
}

// SawEnd reports whether an "end" event was received (as opposed to the
// stream just running out).
func (p *Parser) SawEnd() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sawEnd
}

// Err returns the read error that finished the parser, if any.
func (p *Parser) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readErr
}

// Lines returns how many non-blank lines were read.
func (p *Parser) Lines() uint64 { return p.lines.Load() }

// Skipped returns how many lines could not be decoded.
func (p *Parser) Skipped() uint64 { return p.skipped.Load() }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n-3]) + "..."
}
