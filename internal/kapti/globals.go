package kapti

import (
	"errors"
	"runtime"

	"github.com/gookit/color"
)

// Global variables
var (
	Debug      bool
	ConfigFile = "/etc/kapti.conf"
	version    = "dev"     //default version; overridden at build time
	buildDate  = "unknown" // overridden at build time
	arch       = runtime.GOARCH
)

// Errors shared by the runner, the channel and the package store.
var (
	// ErrTransportUnavailable is returned when the progress channel cannot be created.
	ErrTransportUnavailable = errors.New("progress transport unavailable")
	// ErrLaunchFailed is returned when the privileged helper could not be started.
	ErrLaunchFailed = errors.New("failed to launch privileged helper")
	// ErrMalformedEvent marks a progress line that could not be decoded.
	ErrMalformedEvent = errors.New("malformed progress event")
	// ErrSessionFinished is returned when observing a session that already ended.
	ErrSessionFinished = errors.New("session already finished")
	// ErrReleased is returned by a second Release of the same endpoint.
	ErrReleased = errors.New("endpoint already released")

	errPackageNotFound  = errors.New("package not found")
	ErrNotInstalled     = errors.New("package is not installed")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
