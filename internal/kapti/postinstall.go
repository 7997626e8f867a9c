package kapti

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// runHook executes a package hook with the install root as working
// directory. Its stdout never reaches ours.
func (s *Store) runHook(ctx context.Context, inst InstallProgress, pkgName, hook string) error {
	cmd := exec.CommandContext(ctx, hook)
	cmd.Dir = s.cfg.Root()
	cmd.Env = append(os.Environ(),
		"KAPTI_ROOT="+s.cfg.Root(),
		"KAPTI_PACKAGE="+pkgName,
	)
	if err := inst.Isolate(cmd); err != nil {
		return err
	}
	debugf("running hook %s\n", hook)
	return cmd.Run()
}

// runTriggers executes the configured system triggers (ldconfig and the
// like) on a small worker pool. Failures are only reported.
func (s *Store) runTriggers(ctx context.Context, inst InstallProgress) {
	tasks := s.cfg.Triggers()
	if len(tasks) == 0 {
		return
	}
	if root := s.cfg.Root(); root != "/" {
		debugf("skipping system triggers for alternate root %s\n", root)
		return
	}

	// 4 is a sensible maximum for this kind of I/O-bound work.
	numWorkers := min(runtime.NumCPU(), 4, len(tasks))

	jobs := make(chan string, len(tasks))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				fields := strings.Fields(job)
				if _, err := exec.LookPath(fields[0]); err != nil {
					debugf("Skipping trigger: command '%s' not found.\n", fields[0])
					continue
				}
				cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
				err := inst.Isolate(cmd)
				if err == nil {
					err = cmd.Run()
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s failed: %w", job, err))
					mu.Unlock()
				}
				debugf("Completed trigger: %s\n", job)
			}
		}()
	}

	for _, task := range tasks {
		jobs <- task
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		warnf("%v\n", err)
	}
}
