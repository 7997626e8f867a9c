package kapti

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const pkgcmdName = "kapti-pkgcmd"

const (
	// maxDatagramsPerTick bounds the receives of one polling step.
	maxDatagramsPerTick = 32
	// maxDrainDatagrams bounds the final drain after the helper exited.
	maxDrainDatagrams = 4096
)

// Observer is notified about a running operation. OnProgress is never
// called after OnDone, and OnDone is called exactly once.
type Observer interface {
	OnProgress(ev ProgressEvent)
	OnDone(success bool)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Progress func(ev ProgressEvent)
	Done     func(success bool)
}

func (f ObserverFuncs) OnProgress(ev ProgressEvent) {
	if f.Progress != nil {
		f.Progress(ev)
	}
}

func (f ObserverFuncs) OnDone(success bool) {
	if f.Done != nil {
		f.Done(success)
	}
}

// SessionState is the life cycle of a Session.
type SessionState int

const (
	StateCreated SessionState = iota
	StateLaunching
	StatePolling
	StateFinished
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLaunching:
		return "launching"
	case StatePolling:
		return "polling"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Runner starts the privileged helper for install and remove operations.
type Runner struct {
	cfg *Config
}

func NewRunner(cfg *Config) *Runner {
	if cfg == nil {
		cfg = &Config{Values: map[string]string{}}
		initConfig(cfg)
	}
	return &Runner{cfg: cfg}
}

// Launch binds a progress endpoint, then spawns the helper through the
// elevation command. The returned session is polling; call Start or drive
// Tick to observe it.
func (r *Runner) Launch(op Operation) (*Session, error) {
	if op.Target == "" {
		return nil, fmt.Errorf("%w: empty package name", ErrLaunchFailed)
	}
	if op.Kind != OpInstall && op.Kind != OpRemove {
		return nil, fmt.Errorf("%w: unsupported operation %s", ErrLaunchFailed, op.Kind)
	}

	s := &Session{
		op:       op,
		state:    StateLaunching,
		interval: r.cfg.PollInterval(),
		exited:   make(chan int, 1),
		done:     make(chan struct{}),
	}

	ep, err := CreateEndpoint(r.cfg.SocketDir())
	if err != nil {
		return nil, err
	}

	path, err := r.locatePkgcmd()
	if err != nil {
		ep.Release()
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	cmd := NewExecutor(context.Background(), r.cfg).Command(path,
		"--socket", ep.Path(), op.Kind.String(), op.Target)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	debugf("launching %v\n", cmd.Args)
	if err := cmd.Start(); err != nil {
		ep.Release()
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, cmd.Path, err)
	}

	go func() {
		s.exited <- exitCode(cmd.Wait())
	}()

	s.ep = ep
	s.pid = cmd.Process.Pid
	s.state = StatePolling
	return s, nil
}

// locatePkgcmd finds the helper: KAPTI_PKGCMD, then next to our own
// executable, then $PATH.
func (r *Runner) locatePkgcmd() (string, error) {
	if p := r.cfg.Values["KAPTI_PKGCMD"]; p != "" {
		return exec.LookPath(p)
	}
	if exe, err := os.Executable(); err == nil {
		if cand := filepath.Join(filepath.Dir(exe), pkgcmdName); isExecutableFile(cand) {
			return cand, nil
		}
	}
	return exec.LookPath(pkgcmdName)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Session tracks one launched helper until it exits.
type Session struct {
	op       Operation
	interval time.Duration
	pid      int

	tickMu sync.Mutex // serializes Tick, so notifications keep their order

	mu        sync.Mutex
	state     SessionState
	ep        *Endpoint
	dec       lineDecoder
	observers []Observer
	exitCode  int
	exited    chan int
	done      chan struct{}
	startOnce sync.Once
}

func (s *Session) Operation() Operation { return s.op }

// SocketPath is the address of the progress endpoint.
func (s *Session) SocketPath() string { return s.ep.Path() }

// Pid of the spawned elevation helper (or of the executor itself when no
// elevation is used).
func (s *Session) Pid() int { return s.pid }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode of the helper; only meaningful once finished.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Dropped reports how many received lines could not be decoded.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.Dropped()
}

// Done is closed after the terminal notification.
func (s *Session) Done() <-chan struct{} { return s.done }

// Observe registers o. A finished session refuses new observers.
func (s *Session) Observe(o Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinished {
		return ErrSessionFinished
	}
	s.observers = append(s.observers, o)
	return nil
}

// Detach drops every observer. The session keeps polling in the
// background until the helper exits, so the endpoint is still released.
func (s *Session) Detach() {
	s.mu.Lock()
	s.observers = nil
	s.mu.Unlock()
	s.Start()
}

// Start polls the session on its own goroutine at the configured interval.
// Calling it more than once has no effect.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

func (s *Session) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for s.Tick() {
		<-ticker.C
	}
}

// Wait starts polling if needed and blocks until the session finished or
// ctx is done. Giving up does not stop the helper.
func (s *Session) Wait(ctx context.Context) error {
	s.Start()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick performs one non-blocking polling step and reports whether the
// session is still running. Once the helper has exited, the remaining
// datagrams are delivered, the endpoint is released and OnDone follows.
func (s *Session) Tick() bool {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	if s.state != StatePolling {
		s.mu.Unlock()
		return false
	}

	select {
	case code := <-s.exited:
		events := s.receiveLocked(maxDrainDatagrams)
		if n := s.dec.Pending(); n > 0 {
			debugf("discarding %d bytes of an unterminated progress line\n", n)
			s.dec.dropped++
		}
		if err := s.ep.Release(); err != nil {
			debugf("release endpoint: %v\n", err)
		}
		s.exitCode = code
		s.state = StateFinished
		observers := s.observers
		s.observers = nil
		s.mu.Unlock()

		debugf("%s finished with exit code %d (%d lines dropped)\n", s.op, code, s.Dropped())
		notify(observers, events)
		for _, o := range observers {
			o.OnDone(code == 0)
		}
		close(s.done)
		return false
	default:
	}

	events := s.receiveLocked(maxDatagramsPerTick)
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	notify(observers, events)
	return true
}

// receiveLocked reads up to limit datagrams and decodes them.
func (s *Session) receiveLocked(limit int) []ProgressEvent {
	var events []ProgressEvent
	for i := 0; i < limit; i++ {
		data, err := s.ep.Receive()
		if err != nil {
			debugf("progress receive: %v\n", err)
			break
		}
		if data == nil {
			break
		}
		events = append(events, s.dec.Feed(data)...)
	}
	return events
}

func notify(observers []Observer, events []ProgressEvent) {
	for _, ev := range events {
		for _, o := range observers {
			o.OnProgress(ev)
		}
	}
}
