package kapti

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"
)

// fakePkgcmdEnv makes the test binary act as kapti-pkgcmd. Its value picks
// what the helper does.
const fakePkgcmdEnv = "KAPTI_FAKE_PKGCMD"

func TestMain(m *testing.M) {
	if scenario := os.Getenv(fakePkgcmdEnv); scenario != "" {
		os.Exit(fakePkgcmd(scenario, os.Args[1:]))
	}
	os.Exit(m.Run())
}

// scriptDB is a Database whose Commit replays a fixed sequence of callbacks.
type scriptDB struct {
	openErr error
	pkgs    map[string]*Package
	commit  func(ctx context.Context, acquire AcquireProgress, install InstallProgress) error
}

func (d *scriptDB) Open() error                       { return d.openErr }
func (d *scriptDB) Refresh(ctx context.Context) error { return nil }

func (d *scriptDB) Lookup(name string) (*Package, error) {
	if p, ok := d.pkgs[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%s: %w", name, errPackageNotFound)
}

func (d *scriptDB) Commit(ctx context.Context, acquire AcquireProgress, install InstallProgress) error {
	if d.commit == nil {
		return nil
	}
	return d.commit(ctx, acquire, install)
}

// installFooScript is a complete download and install of foo.
func installFooScript(ctx context.Context, acquire AcquireProgress, install InstallProgress) error {
	acquire.Fetch(0, 1000)
	acquire.Fetch(1000, 1000)
	acquire.Done("foo")
	install.StatusChange("foo", 50, "")
	install.StatusChange("foo", 100, "")
	install.FinishUpdate()
	return nil
}

func fakePkgcmd(scenario string, args []string) int {
	db := &scriptDB{pkgs: map[string]*Package{"foo": {Name: "foo"}}, commit: installFooScript}

	switch scenario {
	case "exit1":
		return 1
	case "fail":
		db.commit = func(ctx context.Context, acquire AcquireProgress, install InstallProgress) error {
			acquire.Fail("foo", fmt.Errorf("404 Not Found"))
			return fmt.Errorf("download failed")
		}
	case "slow":
		db.commit = func(ctx context.Context, acquire AcquireProgress, install InstallProgress) error {
			time.Sleep(300 * time.Millisecond)
			return installFooScript(ctx, acquire, install)
		}
	case "garbage", "unterminated":
		if len(args) < 2 || args[0] != "--socket" {
			return 2
		}
		w, err := DialChannel(args[1])
		if err != nil {
			return 3
		}
		if scenario == "garbage" {
			w.Send([]byte("this is not a record\n"))
		} else {
			w.Send([]byte(`JSON {"step":"starting"}`))
			w.Close()
			return 0
		}
		w.Close()
	case "isolate":
		db.commit = func(ctx context.Context, acquire AcquireProgress, install InstallProgress) error {
			cmd := exec.Command("echo", "noise from a subordinate tool")
			if err := install.Isolate(cmd); err != nil {
				return err
			}
			if err := cmd.Run(); err != nil {
				return err
			}
			install.StatusChange("foo", 100, "installed")
			install.FinishUpdate()
			return nil
		}
	}
	return RunPkgcmd(context.Background(), args, db, os.Stdout)
}
