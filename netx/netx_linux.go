package netx

import (
	"os"

	"golang.org/x/sys/unix"
)

func setCongestionControl(fp *os.File, algo string) error {
	rc, err := fp.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = rc.Control(func(fd uintptr) {
		// Note: casting to int is safe because a socket is int on Unix
		serr = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION, algo)
	})
	if err != nil {
		return err
	}
	return serr
}

func congestionControl(fp *os.File) (string, error) {
	rc, err := fp.SyscallConn()
	if err != nil {
		return "", err
	}
	var (
		algo string
		gerr error
	)
	err = rc.Control(func(fd uintptr) {
		algo, gerr = unix.GetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION)
	})
	if err != nil {
		return "", err
	}
	return algo, gerr
}
