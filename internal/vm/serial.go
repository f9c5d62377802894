package vm

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sourcegraph/conc/pool"
)

const (
	serialReadTimeout = 10 * time.Millisecond
	serialIdleLimit   = 50
)

// SerialTap drains a UNIX stream socket carrying guest console output
// into an in-memory buffer, using a per-read timeout and an idle-read
// cutoff instead of waiting for EOF, since the console
// socket stays open for the life of the VM.
type SerialTap struct {
	SocketPath string
	conn       net.Conn
	buf        bytes.Buffer
}

// NewSerialTap dials path; the connection is kept open across repeated
// Drain calls within one iteration.
func NewSerialTap(path string) (*SerialTap, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("vm: failed to open serial tap %s: %w", path, err)
	}
	return &SerialTap{SocketPath: path, conn: conn}, nil
}

// Drain reads until serialIdleLimit consecutive reads time out with no
// data (~0.5s of silence), appending everything read to the internal buffer.
func (t *SerialTap) Drain() {
	idle := 0
	chunk := make([]byte, 4096)
	for idle < serialIdleLimit {
		_ = t.conn.SetReadDeadline(time.Now().Add(serialReadTimeout))
		n, err := t.conn.Read(chunk)
		if n > 0 {
			t.buf.Write(chunk[:n])
			idle = 0
			continue
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				idle++
				continue
			}
			// Non-timeout error (peer closed, I/O error): stop draining.
			return
		}
		idle++
	}
}

// Contents returns everything drained so far.
func (t *SerialTap) Contents() []byte {
	return t.buf.Bytes()
}

// WriteFile persists the drained console log to path.
func (t *SerialTap) WriteFile(path string) error {
	return os.WriteFile(path, t.buf.Bytes(), 0644)
}

// Close closes the underlying socket.
func (t *SerialTap) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// DrainAll opens, drains, and closes one or two serial taps
// concurrently (a worker enables at most two at a time), returning
// each tap's contents keyed by socket path.
func DrainAll(paths []string) (map[string][]byte, error) {
	taps := make([]*SerialTap, 0, len(paths))
	for _, p := range paths {
		tap, err := NewSerialTap(p)
		if err != nil {
			for _, t := range taps {
				_ = t.Close()
			}
			return nil, err
		}
		taps = append(taps, tap)
	}

	p := pool.New().WithMaxGoroutines(len(taps))
	for _, tap := range taps {
		tap := tap
		p.Go(func() {
			tap.Drain()
		})
	}
	p.Wait()

	results := make(map[string][]byte, len(taps))
	for _, tap := range taps {
		results[tap.SocketPath] = tap.Contents()
		_ = tap.Close()
	}
	return results, nil
}

// ContainsPanic reports whether any of the known crash-panic strings
// appear in the drained console output.
func ContainsPanic(logs map[string][]byte) bool {
	needles := [][]byte{
		[]byte("sbi_trap_error"),
		[]byte("TA panicked with code"),
		[]byte("Kernel panic"),
	}
	for _, content := range logs {
		for _, needle := range needles {
			if bytes.Contains(content, needle) {
				return true
			}
		}
	}
	return false
}
