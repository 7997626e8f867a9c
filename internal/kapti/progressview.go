package kapti

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// ProgressView renders a session on the terminal: progress bars when the
// output is a terminal, one plain line per milestone otherwise.
type ProgressView struct {
	w   io.Writer
	tty bool
	op  Operation

	fetchBar   *progressbar.ProgressBar
	installBar *progressbar.ProgressBar

	lastFetchBucket   int
	lastInstallBucket int
	finished          bool
	success           bool
}

// NewProgressView renders on stderr.
func NewProgressView(op Operation) *ProgressView {
	return newProgressView(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), op)
}

func newProgressView(w io.Writer, tty bool, op Operation) *ProgressView {
	return &ProgressView{w: w, tty: tty, op: op, lastFetchBucket: -1, lastInstallBucket: -1}
}

func (v *ProgressView) verb() string {
	if v.op.Kind == OpRemove {
		return "Removing"
	}
	return "Installing"
}

func (v *ProgressView) line(format string, a ...any) {
	fmt.Fprintf(v.w, colArrow.Sprint("-> ")+format+"\n", a...)
}

func (v *ProgressView) newBar(limit int64, desc string, bytes bool) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(v.w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65 * time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(v.w) }),
		progressbar.OptionSetRenderBlankState(true),
	}
	if bytes {
		opts = append(opts, progressbar.OptionShowBytes(true))
	}
	return progressbar.NewOptions64(limit, opts...)
}

func (v *ProgressView) OnProgress(ev ProgressEvent) {
	if v.finished {
		return
	}
	switch ev.Step {
	case StepStarting:
		v.line("%s %s", v.verb(), colSuccess.Sprint(v.op.Target))
	case StepAcquireFetch:
		v.onFetch(ev.FetchedBytes, ev.TotalBytes)
	case StepAcquireDone:
		v.finishFetch()
		if !v.tty {
			v.line("Downloaded %s", extraString(ev, "item"))
		}
	case StepAcquireFail:
		v.finishFetch()
		fmt.Fprintln(v.w, colWarn.Sprintf("warning: download of %s failed: %s",
			extraString(ev, "item"), extraString(ev, "error")))
	case StepInstallProgress:
		v.onInstall(ev.Percent, extraString(ev, "status"))
	case StepInstallFinishUpdate:
		v.finishInstall()
	default:
		debugf("progress: unhandled step %s\n", ev.Step)
	}
}

func (v *ProgressView) onFetch(fetched, total uint64) {
	if v.tty {
		if v.fetchBar == nil {
			limit := int64(total)
			if total == 0 {
				limit = -1
			}
			v.fetchBar = v.newBar(limit, "Downloading", true)
		} else if total > 0 && int64(total) != v.fetchBar.GetMax64() {
			v.fetchBar.ChangeMax64(int64(total))
		}
		_ = v.fetchBar.Set64(int64(fetched))
		return
	}
	if total == 0 {
		return
	}
	bucket := int(fetched * 10 / total)
	if bucket != v.lastFetchBucket {
		v.lastFetchBucket = bucket
		v.line("Downloading %s / %s", humanSize(int64(fetched)), humanSize(int64(total)))
	}
}

func (v *ProgressView) finishFetch() {
	if v.fetchBar != nil {
		_ = v.fetchBar.Finish()
		v.fetchBar = nil
	}
	v.lastFetchBucket = -1
}

func (v *ProgressView) onInstall(percent float64, status string) {
	v.finishFetch()
	if v.tty {
		if v.installBar == nil {
			v.installBar = v.newBar(100, v.verb(), false)
		}
		if status != "" {
			v.installBar.Describe(fmt.Sprintf("%s (%s)", v.verb(), status))
		}
		_ = v.installBar.Set64(int64(percent))
		return
	}
	bucket := int(percent) / 10
	if bucket != v.lastInstallBucket {
		v.lastInstallBucket = bucket
		v.line("%s %3.0f%%", v.verb(), percent)
	}
}

func (v *ProgressView) finishInstall() {
	if v.installBar != nil {
		_ = v.installBar.Finish()
		v.installBar = nil
	}
	v.lastInstallBucket = -1
}

func (v *ProgressView) OnDone(success bool) {
	v.finishFetch()
	v.finishInstall()
	v.finished = true
	v.success = success
	action := "installed"
	if v.op.Kind == OpRemove {
		action = "removed"
	}
	if success {
		fmt.Fprintln(v.w, colArrow.Sprint("-> ")+colSuccess.Sprintf("%s %s", v.op.Target, action))
		return
	}
	fmt.Fprintln(v.w, colError.Sprintf("error: %s failed", v.op))
}

// Succeeded reports the terminal outcome once OnDone was called.
func (v *ProgressView) Succeeded() bool { return v.finished && v.success }

func extraString(ev ProgressEvent, key string) string {
	if s, ok := ev.Extra[key].(string); ok {
		return s
	}
	return ""
}
