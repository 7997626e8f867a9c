package kapti

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// recvBufferSize bounds a single datagram read.
const recvBufferSize = 64 << 10

// Endpoint is the receiving end of a progress channel: a non-blocking
// datagram socket bound to a unique filesystem path.
type Endpoint struct {
	mu       sync.Mutex
	fd       int
	path     string
	buf      []byte
	released bool
}

// CreateEndpoint binds a fresh endpoint inside dir.
func CreateEndpoint(dir string) (*Endpoint, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "kapti-"+uuid.NewString()+".sock")

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrTransportUnavailable, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: bind %s: %v", ErrTransportUnavailable, path, err)
	}
	debugf("progress endpoint bound at %s\n", path)
	return &Endpoint{fd: fd, path: path, buf: make([]byte, recvBufferSize)}, nil
}

// Path is the address writers connect to.
func (e *Endpoint) Path() string { return e.path }

// Receive performs one non-blocking read. It returns nil, nil when no
// datagram is waiting.
func (e *Endpoint) Receive() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, ErrReleased
	}
	n, _, err := unix.Recvfrom(e.fd, e.buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("recv %s: %w", e.path, err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// Release closes the socket and removes its file. Only the first call does
// anything.
func (e *Endpoint) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	e.released = true

	var errs []error
	if err := unix.Close(e.fd); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", e.path, err))
	}
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	debugf("progress endpoint %s released\n", e.path)
	return errors.Join(errs...)
}

// ProgressSink is where the executor writes its progress records.
type ProgressSink interface {
	Emit(ev ProgressEvent) error
	Flush() error
	Close() error
}

// ChannelWriter sends records to an Endpoint, one line per datagram.
// Delivery is best effort.
type ChannelWriter struct {
	mu sync.Mutex
	fd int
}

// DialChannel connects to the endpoint bound at path.
func DialChannel(path string) (*ChannelWriter, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrTransportUnavailable, err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: connect %s: %v", ErrTransportUnavailable, path, err)
	}
	return &ChannelWriter{fd: fd}, nil
}

// Send writes one datagram without blocking. A full or vanished reader
// loses the datagram silently.
func (w *ChannelWriter) Send(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fd < 0 {
		return ErrReleased
	}
	err := unix.Sendto(w.fd, b, unix.MSG_DONTWAIT, nil)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOBUFS),
		errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENOTCONN):
		debugf("progress datagram dropped: %v\n", err)
		return nil
	}
	return fmt.Errorf("send: %w", err)
}

func (w *ChannelWriter) Emit(ev ProgressEvent) error {
	line, err := EncodeLine(ev)
	if err != nil {
		return err
	}
	return w.Send(line)
}

// Flush is a no-op: every Emit is already on the wire.
func (w *ChannelWriter) Flush() error { return nil }

func (w *ChannelWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fd < 0 {
		return nil
	}
	err := unix.Close(w.fd)
	w.fd = -1
	return err
}

// StdoutSink writes the same records as plain text lines, used when the
// executor runs without --socket.
type StdoutSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: bufio.NewWriter(w)}
}

func (s *StdoutSink) Emit(ev ProgressEvent) error {
	line, err := EncodeLine(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

func (s *StdoutSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func (s *StdoutSink) Close() error { return s.Flush() }
