// Package magic wraps TCP connections so that the proxy can reach the
// underlying socket of both the accepted client connection and the dialed
// upstream connection, e.g. to read TCP_INFO or to switch the congestion
// control algorithm while bytes are being relayed.
package magic

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/m-lab/adaptive-proxy/netx/iface"
	"github.com/m-lab/adaptive-proxy/uuidx"
	"github.com/m-lab/tcp-info/tcp"
)

// ErrNotTCP is returned by Dial when the dialer produced a non TCP conn.
var ErrNotTCP = errors.New("not a TCP connection")

// Listener is a TCPListener whose accepted Conns mediate access to the
// underlying socket file descriptor.
type Listener struct {
	*net.TCPListener
	connfile iface.ConnFile
}

// NewListener creates a new Listener using the given net.TCPListener.
func NewListener(l *net.TCPListener) *Listener {
	return &Listener{
		TCPListener: l,
		connfile:    &iface.RealConnInfo{},
	}
}

// Conn is returned by Listener.Accept and Dial and provides mediated access
// to additional operations on the Conn file descriptor.
type Conn struct {
	*net.TCPConn
	fp      *os.File
	netinfo iface.NetInfo
}

// ConnInfo provides operations on a Conn's underlying file descriptor.
type ConnInfo interface {
	GetUUID() (string, error)
	ReadInfo() (tcp.LinuxTCPInfo, error)
	SetCongestionControl(algo string) error
}

func newConn(tc *net.TCPConn, connfile iface.ConnFile) (*Conn, error) {
	fp, err := connfile.DupFile(tc)
	if err != nil {
		tc.Close()
		return nil, err
	}
	return &Conn{
		TCPConn: tc,
		fp:      fp,
		netinfo: &iface.RealConnInfo{},
	}, nil
}

// Accept a connection, set 3min keepalive, and return a Conn that enables
// ConnInfo operations on the underlying net.Conn file descriptor.
func (ln *Listener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return newConn(tc, ln.connfile)
}

// Dial connects to addr using d and returns a Conn that enables ConnInfo
// operations on the dialed socket.
func Dial(ctx context.Context, d *net.Dialer, addr string) (*Conn, error) {
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, ErrNotTCP
	}
	return newConn(tc, &iface.RealConnInfo{})
}

// Close the underlying net.Conn and dup'd file descriptor.
func (mc *Conn) Close() error {
	mc.fp.Close()
	return mc.TCPConn.Close()
}

// ReadInfo reads the kernel TCP_INFO metrics of the connection.
func (mc *Conn) ReadInfo() (tcp.LinuxTCPInfo, error) {
	tcpInfo, err := mc.netinfo.GetTCPInfo(mc.fp)
	if err != nil {
		return tcp.LinuxTCPInfo{}, err
	}
	return *tcpInfo, nil
}

// SetCongestionControl switches the congestion control algorithm of this
// connection only, leaving the host default untouched.
func (mc *Conn) SetCongestionControl(algo string) error {
	return mc.netinfo.SetCongestionControl(mc.fp, algo)
}

// GetUUID returns the connection's UUID.
func (mc *Conn) GetUUID() (string, error) {
	id, err := mc.netinfo.GetUUID(mc.fp)
	if err != nil || id == "" {
		// Use a random UUID as fallback when SO_COOKIE isn't supported by kernel
		return uuidx.New(), nil
	}
	return id, nil
}

// ToConnInfo is a helper function for extracting the ConnInfo interface from
// a net.Conn. ToConnInfo returns nil if conn does not support ConnInfo, e.g.
// for in-memory connections used in tests.
func ToConnInfo(conn net.Conn) ConnInfo {
	if c, ok := conn.(*Conn); ok {
		return c
	}
	return nil
}
