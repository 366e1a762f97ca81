// Package tcpinfox reads TCP_INFO from proxy sockets and extracts the few
// fields the telemetry and congestion code consume.
package tcpinfox

import (
	"errors"
	"os"
	"time"

	"github.com/m-lab/tcp-info/tcp"
)

// ErrNoSupport is returned on systems that do not support TCP_INFO.
var ErrNoSupport = errors.New("TCP_INFO not supported")

// GetTCPInfo reads TCP_INFO from the socket behind fp.
func GetTCPInfo(fp *os.File) (*tcp.LinuxTCPInfo, error) {
	return getTCPInfo(fp)
}

// SmoothedRTT returns the kernel's smoothed RTT. The second value is false
// until the kernel has taken an RTT sample.
func SmoothedRTT(ti *tcp.LinuxTCPInfo) (time.Duration, bool) {
	if ti == nil || ti.RTT == 0 {
		return 0, false
	}
	return time.Duration(ti.RTT) * time.Microsecond, true
}

// CongestionWindow returns the sender congestion window in segments.
func CongestionWindow(ti *tcp.LinuxTCPInfo) int {
	if ti == nil {
		return 0
	}
	return int(ti.SndCwnd)
}
