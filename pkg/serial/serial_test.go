package serial

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPTY(t *testing.T) (*os.File, *Port) {
	t.Helper()
	master, slave, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	name := slave.Name()
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})

	cfg := DefaultConfig()
	cfg.Device = name
	cfg.ReadTimeout = 200 * time.Millisecond
	port, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })
	return master, port
}

func TestPTYRoundTrip(t *testing.T) {
	master, port := openPTY(t)

	_, err := port.Write([]byte("MODE=U\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(master).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "MODE=U\n", line)

	_, err = master.Write([]byte("OK U\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "OK U\n", string(buf[:n]))
}

func TestPTYReadTimeout(t *testing.T) {
	_, port := openPTY(t)
	port.SetReadTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := port.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPTYFlushInput(t *testing.T) {
	master, port := openPTY(t)

	_, err := master.Write([]byte("stale banner\n"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, port.FlushInput())

	port.SetReadTimeout(30 * time.Millisecond)
	_, err = port.Read(make([]byte, 64))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClosedPort(t *testing.T) {
	_, port := openPTY(t)
	require.NoError(t, port.Close())
	require.NoError(t, port.Close())

	_, err := port.Write([]byte("PING\n"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = port.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, port.FlushInput(), ErrClosed)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	_, err = Open(Config{Device: "/dev/does-not-exist-shock"})
	assert.Error(t, err)

	_, err = Open(Config{Device: "/dev/null", BaudRate: 12345})
	assert.ErrorContains(t, err, "unsupported baud rate")
}

func TestOpenTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	port, err := OpenAny(Config{Device: "tcp://" + ln.Addr().String(), ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer port.Close()
	assert.True(t, port.IsSocket())

	conn := <-accepted
	require.NotNil(t, conn)

	_, err = port.Write([]byte("PING\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PING\n", line)

	conn.Close()
	buf := make([]byte, 8)
	var readErr error
	for i := 0; i < 10; i++ {
		if _, readErr = port.Read(buf); !errors.Is(readErr, ErrTimeout) {
			break
		}
	}
	assert.ErrorIs(t, readErr, io.EOF)
}

func TestOpenUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Write([]byte("READY\n"))
			c.Close()
		}
	}()

	port, err := OpenAny(Config{Device: "unix://" + path})
	require.NoError(t, err)
	defer port.Close()

	buf := make([]byte, 16)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "READY\n", string(buf[:n]))
}

func TestOpenTCPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = OpenTCP(addr, 150*time.Millisecond)
	assert.ErrorContains(t, err, "connect timeout")
}

func TestSortPorts(t *testing.T) {
	ports := []string{"/dev/ttyS1", "/dev/ttyUSB1", "/dev/ttyS0", "/dev/ttyACM0", "/dev/ttyUSB0"}
	SortPorts(ports)
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyS0", "/dev/ttyS1"}, ports)
}

func TestListPorts(t *testing.T) {
	ports, err := ListPorts()
	if err != nil {
		t.Skip(err)
	}
	for _, p := range ports {
		assert.NotEmpty(t, p)
	}
}
