// Mock shock device for bench testing without hardware
//
// Exposes a pseudo-terminal (or a TCP port) that speaks the device's line
// protocol: "PING" is answered with "PONG" and "MODE=<N|U|D|A>" with
// "ACK MODE=<side>". Point shockctl at the printed device path.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"shockctl/pkg/serial"
)

// deviceState tracks what the mock has been told to do.
type deviceState struct {
	mu      sync.Mutex
	mode    byte
	since   time.Time
	changes int
	pings   int
	silent  bool
	delay   time.Duration
}

func newDeviceState() *deviceState {
	return &deviceState{mode: 'N', since: time.Now()}
}

// handleLine returns the reply for one command line, or "" for none.
func (s *deviceState) handleLine(line string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return ""
	case line == "PING":
		s.pings++
		if s.silent {
			return ""
		}
		return "PONG"
	case strings.HasPrefix(line, "MODE="):
		arg := strings.TrimPrefix(line, "MODE=")
		if len(arg) != 1 || !strings.Contains("NUDA", arg) {
			return "ERR bad mode " + arg
		}
		if arg[0] != s.mode {
			s.mode = arg[0]
			s.since = time.Now()
			s.changes++
		}
		if s.silent {
			return ""
		}
		return "ACK MODE=" + arg
	case line == "STATUS":
		return fmt.Sprintf("MODE=%c for %dms changes=%d", s.mode, time.Since(s.since).Milliseconds(), s.changes)
	}
	return "ERR unknown command"
}

func (s *deviceState) Mode() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// serveConn answers command lines from rw until it is closed.
func serveConn(rw io.ReadWriter, state *deviceState, trace bool) error {
	sc := bufio.NewScanner(rw)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		reply := state.handleLine(line)
		if trace {
			fmt.Printf("  <- %q\n", line)
		}
		if reply == "" {
			continue
		}
		if state.delay > 0 {
			time.Sleep(state.delay)
		}
		if trace {
			fmt.Printf("  -> %q\n", reply)
		}
		if _, err := io.WriteString(rw, reply+"\n"); err != nil {
			return err
		}
	}
	return sc.Err()
}

func main() {
	tcpAddr := flag.String("tcp", "", "Listen on a TCP address instead of a pseudo-terminal")
	link := flag.String("link", "", "Create a symlink to the pseudo-terminal at this path")
	trace := flag.Bool("trace", false, "Enable trace output")
	silent := flag.Bool("silent", false, "Never reply (simulates firmware without echo)")
	delay := flag.Duration("delay", 0, "Delay before each reply")
	flag.Parse()

	state := newDeviceState()
	state.silent = *silent
	state.delay = *delay

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var err error
	if *tcpAddr != "" {
		err = serveTCP(*tcpAddr, state, *trace, sigCh)
	} else {
		err = servePTY(*link, state, *trace, sigCh)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func servePTY(link string, state *deviceState, trace bool, sigCh <-chan os.Signal) error {
	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer master.Close()
	defer slave.Close()

	// Put the line in raw mode before any client opens it, otherwise the
	// line discipline echoes replies back at us. Holding it open also keeps
	// the master readable between clients.
	keeper, err := serial.Open(serial.Config{Device: slave.Name()})
	if err != nil {
		return fmt.Errorf("configure pty: %w", err)
	}
	defer keeper.Close()

	name := slave.Name()
	if link != "" {
		os.Remove(link)
		if err := os.Symlink(name, link); err != nil {
			return fmt.Errorf("symlink %s: %w", link, err)
		}
		defer os.Remove(link)
		name = link
	}

	fmt.Printf("Mock shocker on %s\n", name)
	fmt.Println("Press Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() { errCh <- serveConn(master, state, trace) }()

	select {
	case <-sigCh:
		fmt.Printf("\nShutting down (mode %c)\n", state.Mode())
		return nil
	case err := <-errCh:
		return err
	}
}

func serveTCP(addr string, state *deviceState, trace bool, sigCh <-chan os.Signal) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer listener.Close()

	fmt.Printf("Mock shocker listening on tcp://%s\n", listener.Addr())
	fmt.Println("Press Ctrl+C to stop")

	connCh := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			connCh <- conn
		}
	}()

	for {
		select {
		case <-sigCh:
			fmt.Printf("\nShutting down (mode %c)\n", state.Mode())
			return nil
		case conn := <-connCh:
			fmt.Printf("Client connected from %s\n", conn.RemoteAddr())
			go func() {
				defer conn.Close()
				if err := serveConn(conn, state, trace); err != nil && trace {
					fmt.Printf("Client error: %v\n", err)
				}
				fmt.Println("Client disconnected")
			}()
		}
	}
}
