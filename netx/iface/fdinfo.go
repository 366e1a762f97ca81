// Package iface provides access to network connection operations via file
// descriptor. The implementation MUST be correct by inspection.
package iface

import (
	"net"
	"os"

	"github.com/m-lab/adaptive-proxy/netx"
	"github.com/m-lab/adaptive-proxy/tcpinfox"
	"github.com/m-lab/adaptive-proxy/uuidx"
	"github.com/m-lab/tcp-info/tcp"
)

// ConnFile provides access to underlying network file.
type ConnFile interface {
	DupFile(tc *net.TCPConn) (*os.File, error)
}

// NetInfo provides access to network connection metadata.
type NetInfo interface {
	GetUUID(fp *os.File) (string, error)
	GetTCPInfo(fp *os.File) (*tcp.LinuxTCPInfo, error)
	SetCongestionControl(fp *os.File, algo string) error
}

// RealConnInfo implements both the ConnFile and NetInfo interfaces.
type RealConnInfo struct{}

// DupFile returns the corresponding *os.File. Note that the
// returned *os.File is a dup() of the original, hence you now have ownership
// of two objects that you need to remember to defer Close() of.
func (f *RealConnInfo) DupFile(tc *net.TCPConn) (*os.File, error) {
	// Implementation note: before go1.11 calling File() switched the socket
	// to blocking mode, so Go needed a thread per connection. Since go1.11
	// the socket stays non-blocking and this is safe (golang/go#24942).
	return tc.File()
}

// GetUUID returns a UUID for the given file pointer.
func (f *RealConnInfo) GetUUID(fp *os.File) (string, error) {
	return uuidx.FromFile(fp)
}

// GetTCPInfo returns TCPInfo for the given file pointer.
func (f *RealConnInfo) GetTCPInfo(fp *os.File) (*tcp.LinuxTCPInfo, error) {
	return tcpinfox.GetTCPInfo(fp)
}

// SetCongestionControl switches the congestion control algorithm of the
// socket behind the given file pointer.
func (f *RealConnInfo) SetCongestionControl(fp *os.File, algo string) error {
	return netx.SetCongestionControl(fp, algo)
}
