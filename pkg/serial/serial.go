// Package serial provides the byte-stream endpoint used to talk to the assay
// actuator: a raw 8N1 termios port, or a TCP or Unix socket for bench
// setups and simulators.
package serial

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Common errors
var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
	// ErrHangup is returned when the device went away underneath an open
	// descriptor (USB unplug, peer closed the socket).
	ErrHangup = errors.New("serial: device hung up")
)

// DefaultBaudRate is the actuator firmware's line rate.
const DefaultBaudRate = 115200

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyACM0), or tcp://host:port, or unix:///path
	Device string

	// Baud rate (default: 115200)
	BaudRate int

	// Connection timeout for sockets (default: 5 seconds)
	ConnectTimeout time.Duration

	// Read timeout for individual operations (default: 150 ms)
	ReadTimeout time.Duration

	// RTS/DTR control
	RTSOnConnect bool
	DTROnConnect bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:       DefaultBaudRate,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    150 * time.Millisecond,
		RTSOnConnect:   true,
		DTROnConnect:   true,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BaudRate == 0 {
		c.BaudRate = d.BaudRate
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
}

// Port is an open serial port or socket.
type Port struct {
	mu          sync.Mutex
	fd          int
	device      string
	readTimeout time.Duration
	closed      bool
	oldTermios  *unix.Termios
	isSocket    bool
}

// ListPorts returns candidate serial devices. USB CDC (ttyACM) and USB
// serial (ttyUSB) adapters are listed first since the actuator is one of those.
func ListPorts() ([]string, error) {
	var patterns []string
	switch runtime.GOOS {
	case "linux":
		patterns = []string{
			"/dev/ttyACM*",
			"/dev/ttyUSB*",
			"/dev/ttyS*",
			"/dev/serial/by-id/*",
		}
	case "darwin":
		patterns = []string{
			"/dev/cu.usbmodem*",
			"/dev/cu.usbserial*",
			"/dev/tty.usbmodem*",
			"/dev/tty.usbserial*",
		}
	default:
		return nil, fmt.Errorf("serial: unsupported platform %s", runtime.GOOS)
	}

	seen := make(map[string]bool)
	var ports []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if !seen[resolved] {
				seen[resolved] = true
				ports = append(ports, resolved)
			}
		}
	}
	SortPorts(ports)
	return ports, nil
}

// SortPorts orders device paths with USB adapters first, then by name.
func SortPorts(ports []string) {
	rank := func(p string) int {
		base := filepath.Base(p)
		switch {
		case strings.HasPrefix(base, "ttyACM"), strings.HasPrefix(base, "ttyUSB"),
			strings.HasPrefix(base, "cu.usb"), strings.HasPrefix(base, "tty.usb"):
			return 0
		default:
			return 1
		}
	}
	sort.SliceStable(ports, func(i, j int) bool {
		ri, rj := rank(ports[i]), rank(ports[j])
		if ri != rj {
			return ri < rj
		}
		return ports[i] < ports[j]
	})
}

// OpenAny opens cfg.Device, dispatching on its scheme: tcp://host:port,
// unix:///path/to/socket, or a plain device path.
func OpenAny(cfg Config) (*Port, error) {
	cfg.applyDefaults()
	switch {
	case strings.HasPrefix(cfg.Device, "tcp://"):
		p, err := OpenTCP(strings.TrimPrefix(cfg.Device, "tcp://"), cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		p.SetReadTimeout(cfg.ReadTimeout)
		return p, nil
	case strings.HasPrefix(cfg.Device, "unix://"):
		p, err := OpenSocket(strings.TrimPrefix(cfg.Device, "unix://"), cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		p.SetReadTimeout(cfg.ReadTimeout)
		return p, nil
	default:
		return Open(cfg)
	}
}

// Open opens a serial port in raw 8N1 mode.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	cfg.applyDefaults()

	speed, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios := *oldTermios
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	setSpeed(&termios, speed)
	// reads are bounded by poll, not VTIME
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	port := &Port{
		fd:          fd,
		device:      cfg.Device,
		readTimeout: cfg.ReadTimeout,
		oldTermios:  oldTermios,
	}
	port.setModemControl(cfg.RTSOnConnect, cfg.DTROnConnect)
	return port, nil
}

// OpenSocket connects to a Unix stream socket, retrying until timeout while
// the socket does not exist yet.
func OpenSocket(socketPath string, timeout time.Duration) (*Port, error) {
	if socketPath == "" {
		return nil, errors.New("serial: socket path required")
	}
	return dialFd(socketPath, timeout, unix.AF_UNIX, &unix.SockaddrUnix{Name: socketPath},
		unix.ENOENT, unix.ECONNREFUSED)
}

// OpenTCP connects to host:port, retrying until timeout while the peer
// refuses the connection.
func OpenTCP(address string, timeout time.Duration) (*Port, error) {
	if address == "" {
		return nil, errors.New("serial: TCP address required")
	}
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("serial: resolve %s: %w", address, err)
	}
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 == nil {
			ip4 = net.IPv4(127, 0, 0, 1).To4()
		}
		copy(sa.Addr[:], ip4)
		return dialFd(address, timeout, unix.AF_INET, sa, unix.ECONNREFUSED)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return dialFd(address, timeout, unix.AF_INET6, sa, unix.ECONNREFUSED)
}

func dialFd(name string, timeout time.Duration, family int, sa unix.Sockaddr, retry ...error) (*Port, error) {
	if timeout == 0 {
		timeout = DefaultConfig().ConnectTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
		if err != nil {
			return nil, fmt.Errorf("serial: create socket: %w", err)
		}
		unix.CloseOnExec(fd)
		err = unix.Connect(fd, sa)
		if err == nil {
			return &Port{
				fd:          fd,
				device:      name,
				readTimeout: DefaultConfig().ReadTimeout,
				isSocket:    true,
			}, nil
		}
		unix.Close(fd)
		retryable := false
		for _, r := range retry {
			if errors.Is(err, r) {
				retryable = true
			}
		}
		if !retryable {
			return nil, fmt.Errorf("serial: connect to %s: %w", name, err)
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("serial: connect timeout to %s: %w", name, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// IsSocket returns true if this port is connected via Unix socket or TCP.
func (p *Port) IsSocket() bool {
	return p.isSocket
}

// Read reads up to len(buf) bytes, waiting at most the read timeout for the
// first byte. It returns ErrTimeout when nothing arrived and io.EOF when the
// device hung up.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	timeout := p.readTimeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&unix.POLLIN == 0 && pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, classify("read", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return written, classify("write", err)
		}
		written += n
	}
	return written, nil
}

// classify maps errno values that mean the device is gone to ErrHangup.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, unix.EIO), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV),
		errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EBADF):
		return fmt.Errorf("serial: %s: %w (%v)", op, ErrHangup, err)
	default:
		return fmt.Errorf("serial: %s: %w", op, err)
	}
}

// Close closes the serial port or socket.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.oldTermios != nil && !p.isSocket {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// Device returns the device path or socket address.
func (p *Port) Device() string {
	return p.device
}

// SetReadTimeout sets the read timeout.
func (p *Port) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.readTimeout = d
	p.mu.Unlock()
}

// FlushInput discards unread input. Sockets are drained instead.
func (p *Port) FlushInput() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd, isSocket := p.fd, p.isSocket
	p.mu.Unlock()

	if !isSocket {
		if err := flushInput(fd); err == nil {
			return nil
		}
	}
	buf := make([]byte, 256)
	for {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 0)
		if err != nil || n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
			return nil
		}
		if n, err := unix.Read(fd, buf); err != nil || n == 0 {
			return nil
		}
	}
}

// setModemControl raises or drops RTS and DTR. Many USB adapters do not
// support modem control, so failures are ignored.
func (p *Port) setModemControl(rts, dtr bool) {
	var status int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(unix.TIOCMGET), uintptr(unsafe.Pointer(&status)))
	if errno != 0 {
		return
	}
	if rts {
		status |= unix.TIOCM_RTS
	} else {
		status &^= unix.TIOCM_RTS
	}
	if dtr {
		status |= unix.TIOCM_DTR
	} else {
		status &^= unix.TIOCM_DTR
	}
	_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(unix.TIOCMSET), uintptr(unsafe.Pointer(&status)))
}

// baudRateToSpeed converts a baud rate to a termios speed constant.
func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		1200:   unix.B1200,
		2400:   unix.B2400,
		4800:   unix.B4800,
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}

// IsDeviceAvailable checks if a device path exists and is a character device.
func IsDeviceAvailable(device string) bool {
	info, err := os.Stat(device)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
