// Package netx extends the functionality of the net package. It contains, for
// example, code to switch the congestion control algorithm of a single socket.
package netx

import (
	"errors"
	"os"
)

// ErrNoSupport indicates that this system cannot select the congestion
// control algorithm of a socket.
var ErrNoSupport = errors.New("TCP_CONGESTION not supported")

// SetCongestionControl selects the congestion control algorithm |algo| for
// the socket behind |fp|. The algorithm must be available to the kernel
// (see net.ipv4.tcp_available_congestion_control).
func SetCongestionControl(fp *os.File, algo string) error {
	return setCongestionControl(fp, algo)
}

// CongestionControl returns the congestion control algorithm currently used
// by the socket behind |fp|.
func CongestionControl(fp *os.File) (string, error) {
	return congestionControl(fp)
}
