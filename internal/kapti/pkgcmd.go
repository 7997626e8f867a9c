package kapti

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
)

// OperationKind is the privileged action requested from the helper.
type OperationKind int

const (
	OpInstall OperationKind = iota + 1
	OpRemove
)

func (k OperationKind) String() string {
	switch k {
	case OpInstall:
		return "install"
	case OpRemove:
		return "remove"
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// ParseAction maps a command-line action to its kind.
func ParseAction(s string) (OperationKind, error) {
	switch s {
	case "install":
		return OpInstall, nil
	case "remove":
		return OpRemove, nil
	}
	return 0, fmt.Errorf("unknown action %q (want install or remove)", s)
}

// Operation is one install or remove request. It is not modified after
// being handed to Launch.
type Operation struct {
	Kind   OperationKind
	Target string
}

func (op Operation) String() string { return op.Kind.String() + " " + op.Target }

// AcquireProgress receives download progress from Commit.
type AcquireProgress interface {
	Fetch(fetched, total uint64)
	Done(item string)
	Fail(item string, err error)
}

// InstallProgress receives apply progress from Commit. Isolate must be
// called on every subordinate command before it is started.
type InstallProgress interface {
	StatusChange(pkg string, percent float64, status string)
	FinishUpdate()
	Isolate(cmd *exec.Cmd) error
}

type jsonAcquireProgress struct {
	sink ProgressSink
}

func (p *jsonAcquireProgress) Fetch(fetched, total uint64) {
	p.emit(ProgressEvent{Step: StepAcquireFetch, FetchedBytes: fetched, TotalBytes: total})
}

func (p *jsonAcquireProgress) Done(item string) {
	p.emit(ProgressEvent{Step: StepAcquireDone, Extra: map[string]any{"item": item}})
}

func (p *jsonAcquireProgress) Fail(item string, err error) {
	extra := map[string]any{"item": item}
	if err != nil {
		extra["error"] = err.Error()
	}
	p.emit(ProgressEvent{Step: StepAcquireFail, Extra: extra})
}

func (p *jsonAcquireProgress) emit(ev ProgressEvent) {
	if err := p.sink.Emit(ev); err != nil {
		debugf("emit %s: %v\n", ev.Step, err)
	}
}

// jsonInstallProgress reports apply progress and keeps subordinate
// commands off our stdout.
type jsonInstallProgress struct {
	sink ProgressSink

	once    sync.Once
	devnull *os.File
	openErr error
}

func (p *jsonInstallProgress) StatusChange(pkg string, percent float64, status string) {
	extra := map[string]any{}
	if pkg != "" {
		extra["package"] = pkg
	}
	if status != "" {
		extra["status"] = status
	}
	if len(extra) == 0 {
		extra = nil
	}
	p.emit(ProgressEvent{Step: StepInstallProgress, Percent: clampPercent(percent), Extra: extra})
}

func (p *jsonInstallProgress) FinishUpdate() {
	p.emit(ProgressEvent{Step: StepInstallFinishUpdate})
}

// Isolate points cmd's stdout at /dev/null. Pending records are flushed
// first so nothing interleaves with the subordinate process.
func (p *jsonInstallProgress) Isolate(cmd *exec.Cmd) error {
	p.once.Do(func() {
		p.devnull, p.openErr = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	})
	if p.openErr != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, p.openErr)
	}
	if err := p.sink.Flush(); err != nil {
		debugf("flush before %s: %v\n", cmd.Path, err)
	}
	cmd.Stdout = p.devnull
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	return nil
}

func (p *jsonInstallProgress) Close() error {
	if p.devnull != nil {
		return p.devnull.Close()
	}
	return nil
}

func (p *jsonInstallProgress) emit(ev ProgressEvent) {
	if err := p.sink.Emit(ev); err != nil {
		debugf("emit %s: %v\n", ev.Step, err)
	}
}

func clampPercent(p float64) float64 {
	switch {
	case p != p || p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// RunPkgcmd executes one privileged operation and returns the process exit
// code: 0 on success, 1 when the invocation or the operation failed.
func RunPkgcmd(ctx context.Context, args []string, db Database, stdout io.Writer) int {
	fs := pflag.NewFlagSet("kapti-pkgcmd", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	socketPath := fs.String("socket", "", "datagram socket to write progress to (default: stdout)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: kapti-pkgcmd [--socket PATH] <install|remove> <package>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}
	action, name := fs.Arg(0), fs.Arg(1)

	var sink ProgressSink
	if *socketPath != "" {
		w, err := DialChannel(*socketPath)
		if err != nil {
			warnf("%v; reporting progress on stdout\n", err)
			sink = NewStdoutSink(stdout)
		} else {
			sink = w
		}
	} else {
		sink = NewStdoutSink(stdout)
	}
	defer sink.Close()

	if err := sink.Emit(ProgressEvent{Step: StepStarting}); err != nil {
		debugf("emit starting: %v\n", err)
	}

	kind, err := ParseAction(action)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kapti-pkgcmd: %v\n", err)
		return 1
	}
	if err := applyOperation(ctx, db, Operation{Kind: kind, Target: name}, sink); err != nil {
		fmt.Fprintf(os.Stderr, "kapti-pkgcmd: %v\n", err)
		return 1
	}
	return 0
}

func applyOperation(ctx context.Context, db Database, op Operation, sink ProgressSink) error {
	if err := db.Open(); err != nil {
		return fmt.Errorf("open package database: %w", err)
	}
	pkg, err := db.Lookup(op.Target)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpInstall:
		pkg.MarkInstall()
	case OpRemove:
		pkg.MarkDelete()
	}

	acquire := &jsonAcquireProgress{sink: sink}
	install := &jsonInstallProgress{sink: sink}
	defer install.Close()
	if err := db.Commit(ctx, acquire, install); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PkgcmdMain is the entry point of the privileged helper.
func PkgcmdMain() {
	code := 1
	func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "kapti-pkgcmd: internal error: %v\n", r)
				code = 1
			}
		}()

		// A keyboard interrupt reaches the whole foreground process group.
		// The caller only stops watching; the transaction runs to the end.
		signal.Ignore(os.Interrupt)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		cfg, err := LoadConfig()
		if err != nil {
			warnf("config: %v\n", err)
		}
		code = RunPkgcmd(ctx, os.Args[1:], OpenStore(cfg), os.Stdout)
	}()
	os.Exit(code)
}
