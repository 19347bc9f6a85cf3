// Package procwrap runs an acquisition helper as a child process and speaks
// a small line/length-prefixed protocol with it. It exists for platforms
// where the native transport library is unstable enough to take the whole
// agent down, and doubles as a replay source for recorded frame files.
//
// Protocol: the parent writes single-word commands ("START", "STOP",
// "WAKE") terminated by newline on the child's stdin; the child writes
// frames on stdout, each prefixed with a 2-byte big-endian length.
package procwrap

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/transport"
)

// maxFrameLen rejects corrupt length prefixes before they turn into huge
// allocations.
const maxFrameLen = 4096

// stopGrace is how long Disconnect waits for the child to exit after STOP
// before killing it.
const stopGrace = 2 * time.Second

// Endpoint is one configured child acquisition process.
type Endpoint struct {
	ID     string   `yaml:"id"`
	Argv   []string `yaml:"argv"`
	Serial string   `yaml:"serial,omitempty"`
	// Product feeds detection the same way a USB product string would.
	Product string `yaml:"product,omitempty"`
}

type Adapter struct {
	log       *zap.Logger
	endpoints []Endpoint
}

func New(log *zap.Logger, endpoints []Endpoint) *Adapter {
	return &Adapter{log: log, endpoints: endpoints}
}

func (a *Adapter) Kind() eeg.ConnectionKind {
	return eeg.ConnectionProc
}

func (a *Adapter) Scan(ctx context.Context) ([]eeg.TransportDescriptor, error) {
	out := make([]eeg.TransportDescriptor, 0, len(a.endpoints))
	for _, ep := range a.endpoints {
		out = append(out, eeg.TransportDescriptor{
			Kind:    eeg.ConnectionProc,
			Path:    ep.ID,
			Serial:  ep.Serial,
			Product: ep.Product,
		})
	}
	return out, nil
}

func (a *Adapter) endpoint(id string) (Endpoint, bool) {
	for _, ep := range a.endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return Endpoint{}, false
}

func (a *Adapter) Connect(ctx context.Context, td eeg.TransportDescriptor, desc eeg.DeviceDescriptor) (transport.Handle, error) {
	ep, ok := a.endpoint(td.Path)
	if !ok {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionProc, Reason: fmt.Sprintf("no endpoint %q", td.Path)}
	}
	if len(ep.Argv) == 0 {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionProc, Reason: fmt.Sprintf("endpoint %q has no command", td.Path)}
	}
	cmd := exec.Command(ep.Argv[0], ep.Argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionProc, Reason: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionProc, Reason: "stdout pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionProc, Reason: "spawn child", Err: err}
	}

	h := &handle{
		log:    a.log.With(zap.String("endpoint", ep.ID)),
		serial: ep.Serial,
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go h.readLoop(stdout)
	if err := h.send("START"); err != nil {
		h.Disconnect()
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionProc, Reason: "start command", Err: err}
	}
	return h, nil
}

type handle struct {
	log    *zap.Logger
	serial string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	frames chan []byte
	done   chan struct{}
}

func (h *handle) Kind() eeg.ConnectionKind { return eeg.ConnectionProc }

func (h *handle) Serial() string { return h.serial }

func (h *handle) send(cmd string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &eeg.ConnectionError{Kind: eeg.ConnectionProc, Reason: "handle is closed"}
	}
	_, err := fmt.Fprintln(h.stdin, cmd)
	return err
}

// readLoop decodes length-prefixed frames from the child until EOF.
func (h *handle) readLoop(stdout io.Reader) {
	defer close(h.done)
	r := bufio.NewReader(stdout)
	var prefix [2]byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if err != io.EOF {
				h.log.Debug("child stream ended", zap.Error(err))
			}
			return
		}
		n := int(binary.BigEndian.Uint16(prefix[:]))
		if n == 0 || n > maxFrameLen {
			h.log.Warn("child sent bad frame length", zap.Int("len", n))
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			return
		}
		select {
		case h.frames <- frame:
		default:
			// consumer is behind: drop oldest
			select {
			case <-h.frames:
			default:
			}
			select {
			case h.frames <- frame:
			default:
			}
		}
	}
}

func (h *handle) ReadFrame(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-h.frames:
		return frame, nil
	case <-h.done:
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionProc, Reason: "child exited"}
	case <-timer.C:
		return nil, nil
	}
}

func (h *handle) Wake() error {
	return h.send("WAKE")
}

func (h *handle) Disconnect() error {
	if err := h.send("STOP"); err == nil {
		select {
		case <-h.done:
		case <-time.After(stopGrace):
			h.log.Warn("child ignored STOP, killing it")
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.stdin.Close()
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	// releases the pipe fds; a non-zero or killed exit is expected here
	var exitErr *exec.ExitError
	if err := h.cmd.Wait(); err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}
