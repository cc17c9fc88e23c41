// Package device implements the single-line ASCII command protocol spoken by
// the assay actuator:
//
//	host -> device   MODE=N | MODE=U | MODE=D | MODE=A
//	host -> device   PING
//	device -> host   one optional acknowledgment line
package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	hosterrors "shockctl/pkg/errors"
	"shockctl/pkg/log"
	"shockctl/pkg/serial"
	"shockctl/pkg/timeline"
)

// DefaultAckTimeout bounds the acknowledgment read after PING or a manual
// MODE command.
const DefaultAckTimeout = 300 * time.Millisecond

// ErrDisconnected marks I/O errors after which the endpoint is unusable.
var ErrDisconnected = errors.New("device disconnected")

// Port is the byte stream to the device. *serial.Port satisfies it.
type Port interface {
	io.ReadWriter
	SetReadTimeout(d time.Duration)
}

// inputFlusher is implemented by ports that can discard pending input.
type inputFlusher interface {
	FlushInput() error
}

// Options configures a Channel.
type Options struct {
	AckTimeout time.Duration
	Logger     *log.Logger
}

// Channel sends commands to the device. MODE commands sent through SendMode
// are de-duplicated against the last side that was written successfully.
type Channel struct {
	mu         sync.Mutex
	port       Port
	ackTimeout time.Duration
	log        *log.Logger

	last    timeline.Side
	pending []byte
}

// NewChannel wraps an already open port.
func NewChannel(port Port, opts Options) *Channel {
	c := &Channel{port: port, ackTimeout: opts.AckTimeout, log: opts.Logger}
	if c.ackTimeout <= 0 {
		c.ackTimeout = DefaultAckTimeout
	}
	if c.log == nil {
		c.log = log.GetLogger("device")
	}
	return c
}

// ModeLine returns the wire line for side, including the newline.
func ModeLine(side timeline.Side) string {
	return "MODE=" + side.String() + "\n"
}

// SendMode writes MODE=<side> unless side is the last one sent. It reports
// whether a command went out. A failed write leaves the last side unchanged
// so the next request retries.
func (c *Channel) SendMode(side timeline.Side) (bool, error) {
	if !side.IsDevice() {
		return false, fmt.Errorf("%w: %s", timeline.ErrBadSide, side)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == side {
		return false, nil
	}
	if err := c.writeMode(side); err != nil {
		return false, err
	}
	return true, nil
}

// ForceMode writes MODE=<side> regardless of what was sent before.
func (c *Channel) ForceMode(side timeline.Side) error {
	if !side.IsDevice() {
		return fmt.Errorf("%w: %s", timeline.ErrBadSide, side)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeMode(side)
}

func (c *Channel) writeMode(side timeline.Side) error {
	if err := c.writeLine(ModeLine(side)); err != nil {
		return err
	}
	c.last = side
	c.log.Debug("sent MODE=%s", side)
	return nil
}

// Probe discards pending input, writes PING and waits for one line. A
// missing reply is not an error and yields "". Write failures are returned.
func (c *Channel) Probe() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushInput()
	if err := c.writeLine("PING\n"); err != nil {
		return "", err
	}
	return c.readLine(c.ackTimeout)
}

// Manual sends one MODE command outside a run and waits for the
// acknowledgment, returning "" if none arrived in time.
func (c *Channel) Manual(side timeline.Side) (string, error) {
	if !side.IsDevice() {
		return "", fmt.Errorf("%w: %s", timeline.ErrBadSide, side)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushInput()
	if err := c.writeMode(side); err != nil {
		return "", err
	}
	return c.readLine(c.ackTimeout)
}

// Drain reads and discards input for d, e.g. a boot banner after opening.
func (c *Channel) Drain(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(d)
	buf := make([]byte, 256)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		c.port.SetReadTimeout(remaining)
		if _, err := c.port.Read(buf); err != nil && !errors.Is(err, serial.ErrTimeout) {
			return classify("drain", err)
		}
	}
	c.pending = c.pending[:0]
	c.flushInput()
	return nil
}

// Reset forgets the last sent side so the next SendMode always writes.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.last = 0
	c.mu.Unlock()
}

// Last returns the last side written, or 0 if none.
func (c *Channel) Last() timeline.Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Close closes the underlying port if it can be closed.
func (c *Channel) Close() error {
	if cl, ok := c.port.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Channel) writeLine(line string) error {
	if _, err := io.WriteString(c.port, line); err != nil {
		return classify("write", err)
	}
	return nil
}

func (c *Channel) flushInput() {
	c.pending = c.pending[:0]
	if f, ok := c.port.(inputFlusher); ok {
		if err := f.FlushInput(); err != nil {
			c.log.Debug("flush input: %v", err)
		}
	}
}

// readLine returns the next newline-terminated line without its line ending,
// or whatever partial data arrived once timeout expires.
func (c *Channel) readLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 128)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := string(c.pending[:i])
			c.pending = append(c.pending[:0], c.pending[i+1:]...)
			return strings.TrimRight(line, "\r"), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			line := strings.TrimSpace(string(c.pending))
			c.pending = c.pending[:0]
			return line, nil
		}
		c.port.SetReadTimeout(remaining)
		n, err := c.port.Read(buf)
		c.pending = append(c.pending, buf[:n]...)
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			return "", classify("read", err)
		}
	}
}

// classify wraps err as a protocol error, marking it ErrDisconnected when
// the endpoint is gone.
func classify(op string, err error) error {
	if IsDisconnect(err) {
		return hosterrors.Wrap(fmt.Errorf("%w: %v", ErrDisconnected, err),
			hosterrors.ErrDeviceDisconnected, "device "+op)
	}
	return hosterrors.ProtocolIOError(op, err)
}

// IsDisconnect reports whether err means the device endpoint is gone.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrDisconnected) ||
		errors.Is(err, serial.ErrClosed) ||
		errors.Is(err, serial.ErrHangup) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}
