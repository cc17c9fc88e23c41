//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlTCFlush    = unix.TCFLSH
)

// setSpeed stores the baud constant in both the CBAUD bits and the
// explicit speed fields.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= speed
	termios.Ispeed = speed
	termios.Ospeed = speed
}

func flushInput(fd int) error {
	return unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIFLUSH)
}
