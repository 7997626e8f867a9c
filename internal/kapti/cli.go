package kapti

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gookit/color"
	"github.com/spf13/pflag"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: kapti <command> [arguments]")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"search, s", "<term...>", "Search available packages by name and description"},
		{"info", "<pkg>", "Show details of a package"},
		{"list, ls", "[filter]", "List installed packages, optionally filter by name"},
		{"refresh", "", "Download the package index from the mirror"},
		{"install, i", "[-q] <pkg...>", "Install or upgrade package(s)"},
		{"remove, r", "[-q] <pkg...>", "Remove package(s)"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}

	fmt.Println()
}

func printVersion() {
	fmt.Printf("kapti %s (%s) %s\n", version, buildDate, arch)
}

// Main is the CLI entrypoint for cmd/kapti.
func Main() {
	if len(os.Args) < 2 {
		printHelp()
		return
	}

	cfg, err := LoadConfig()
	if err != nil {
		warnf("reading config: %v\n", err)
	}

	// The first Ctrl+C only stops waiting; a running helper ignores it and
	// finishes its transaction.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if needsRootPrivileges(os.Args[1:]) {
		if err := authenticateOnce(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Authentication failed: %v\n", err)
			os.Exit(1)
		}
	}

	store := OpenStore(cfg)
	var exitCode int

	switch os.Args[1] {
	case "version", "--version":
		printVersion()

	case "help", "-h", "--help":
		printHelp()

	case "search", "s":
		exitCode = cmdSearch(store, os.Args[2:])

	case "info":
		exitCode = cmdInfo(store, os.Args[2:])

	case "list", "ls":
		exitCode = cmdList(store, os.Args[2:])

	case "refresh":
		exitCode = cmdRefresh(ctx, cfg, store)

	case "install", "i":
		exitCode = cmdOperation(ctx, cfg, store, OpInstall, os.Args[2:])

	case "remove", "r":
		exitCode = cmdOperation(ctx, cfg, store, OpRemove, os.Args[2:])

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printHelp()
		exitCode = 1
	}

	stop()
	os.Exit(exitCode)
}

func cmdSearch(store *Store, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: kapti search <term...>")
		return 1
	}
	results, err := store.Search(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(results) == 0 {
		colWarn.Printf("No packages match %q\n", strings.Join(args, " "))
		return 1
	}
	if err := RunPager("Search: "+strings.Join(args, " "), formatSearchResults(results)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func cmdInfo(store *Store, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: kapti info <pkg>")
		return 1
	}
	d, err := store.PackageInfo(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", args[0], err)
		return 1
	}
	if err := RunPager(d.Name, formatPackageInfo(d)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func cmdList(store *Store, args []string) int {
	filter := ""
	if len(args) > 0 {
		filter = args[0]
	}
	pkgs, err := store.InstalledPackages(filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(pkgs) == 0 {
		if filter != "" {
			colWarn.Printf("No installed package matches %q\n", filter)
		} else {
			colWarn.Println("No packages installed")
		}
		return 1
	}
	if err := RunPager("Installed packages", formatInstalledList(pkgs)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// cmdRefresh downloads the index. Without root we run ourselves again
// through the elevation command.
func cmdRefresh(ctx context.Context, cfg *Config, store *Store) int {
	ex := NewExecutor(ctx, cfg)
	if ex.needsElevation() {
		self, err := os.Executable()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if err := ex.Run(exec.Command(self, "refresh")); err != nil {
			fmt.Fprintf(os.Stderr, "Error: refresh failed: %v\n", err)
			return 1
		}
		return 0
	}

	arrowf(colInfo, "Refreshing package index from %s\n", cfg.Mirror())
	if err := store.Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: refresh failed: %v\n", err)
		return 1
	}
	pkgs, err := store.Packages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	arrowf(colSuccess, "%d packages available\n", len(pkgs))
	return 0
}

// checkOperation reports early when op cannot succeed.
func checkOperation(store *Store, op Operation) error {
	p, err := store.Lookup(op.Target)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpInstall:
		if p.Candidate == nil {
			return fmt.Errorf("%w: not available from the mirror", errPackageNotFound)
		}
	case OpRemove:
		if !p.IsInstalled() {
			return ErrNotInstalled
		}
	}
	return nil
}

// cmdOperation runs one privileged session per package, in order, and
// stops at the first failure.
func cmdOperation(ctx context.Context, cfg *Config, store *Store, kind OperationKind, args []string) int {
	fs := pflag.NewFlagSet(kind.String(), pflag.ContinueOnError)
	quiet := fs.BoolP("quiet", "q", false, "do not show progress")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: kapti %s [-q] <pkg...>\n", kind)
		return 1
	}

	for _, name := range fs.Args() {
		op := Operation{Kind: kind, Target: name}
		if err := checkOperation(store, op); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", name, err)
			return 1
		}
	}

	runner := NewRunner(cfg)
	for _, name := range fs.Args() {
		op := Operation{Kind: kind, Target: name}
		ok, err := runSession(ctx, runner, op, *quiet)
		if errors.Is(err, context.Canceled) {
			return 130
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		// The helper changed the database behind our back.
		if err := store.Open(); err != nil {
			warnf("reloading package database: %v\n", err)
		}
		if !ok {
			return 1
		}
	}
	return 0
}

func runSession(ctx context.Context, runner *Runner, op Operation, quiet bool) (bool, error) {
	sess, err := runner.Launch(op)
	if err != nil {
		return false, err
	}
	if !quiet {
		if err := sess.Observe(NewProgressView(op)); err != nil {
			return false, err
		}
	}

	if err := sess.Wait(ctx); err != nil {
		sess.Detach()
		waitDetached(sess, op)
		return false, err
	}
	if n := sess.Dropped(); n > 0 {
		debugf("%d malformed progress lines\n", n)
	}
	return sess.ExitCode() == 0, nil
}

// waitDetached keeps the endpoint alive until the helper is done, unless a
// second interrupt arrives.
func waitDetached(sess *Session, op Operation) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	colArrow.Print("\n-> ")
	colWarn.Printf("Stopped watching %s. It keeps running; press Ctrl+C again to exit now.\n", op)
	select {
	case <-sess.Done():
		if sess.ExitCode() == 0 {
			arrowf(colSuccess, "%s finished\n", op)
		} else {
			colError.Printf("%s failed\n", op)
		}
	case <-sigs:
	}
}
