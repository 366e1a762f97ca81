// Package congestion abstracts the host facilities used by the adaptive
// policy: reading the real congestion window of a socket and switching the
// congestion control algorithm. Only Linux provides a real implementation;
// every other platform, and any session configured with ScopeNone, gets a
// mock whose operations always report ErrNoSupport.
package congestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/m-lab/tcp-info/tcp"
)

// ErrNoSupport is returned when the host cannot perform an operation.
var ErrNoSupport = errors.New("congestion control not supported on this host")

// Scope selects where SetAlgorithm applies a new algorithm.
type Scope string

// Supported scopes.
const (
	// ScopeHost changes net.ipv4.tcp_congestion_control for the whole host.
	ScopeHost = Scope("host")
	// ScopeSocket changes TCP_CONGESTION on the session sockets only.
	ScopeSocket = Scope("socket")
	// ScopeNone never touches the host.
	ScopeNone = Scope("none")
)

// ParseScope validates s as a Scope.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeHost, ScopeSocket, ScopeNone:
		return sc, nil
	}
	return "", fmt.Errorf("unknown congestion control scope %q", s)
}

// InfoReader reads kernel TCP_INFO for one socket.
type InfoReader interface {
	ReadInfo() (tcp.LinuxTCPInfo, error)
}

// SocketSetter switches the congestion control algorithm of one socket.
type SocketSetter interface {
	SetCongestionControl(algo string) error
}

// Controller is the platform capability consumed by telemetry and policy.
// Every method is fallible and callers must keep working when they always
// fail.
type Controller interface {
	// CongestionWindow returns the kernel congestion window, in segments.
	CongestionWindow() (int, error)
	// SetAlgorithm switches the congestion control algorithm.
	SetAlgorithm(name string) error
	// Current returns the algorithm in use.
	Current() (string, error)
	// Supported reports whether SetAlgorithm can ever succeed.
	Supported() bool
}

// Config configures New.
type Config struct {
	Scope Scope
	// ProcPath is the procfs mount point, "/proc" when empty.
	ProcPath string
}

// New returns the Controller for this platform. info is used to read the
// congestion window and may be nil; sockets are the targets of ScopeSocket.
func New(cfg Config, info InfoReader, sockets ...SocketSetter) Controller {
	if cfg.Scope == ScopeNone {
		return Mock{}
	}
	return newPlatform(cfg, info, sockets)
}

// Label renders the outcome of a SetAlgorithm call the way it is reported
// in telemetry: the upper-cased algorithm on success, LINUX-FAILED-<ALGO>
// on failure, and MOCK-<ALGO> when the controller cannot change anything.
func Label(c Controller, algo string, err error) string {
	upper := strings.ToUpper(algo)
	switch {
	case c == nil || !c.Supported():
		return "MOCK-" + upper
	case err != nil:
		return "LINUX-FAILED-" + upper
	default:
		return upper
	}
}

// InitialLabel returns the label describing the algorithm in use before
// the policy changed anything.
func InitialLabel(c Controller) string {
	if c == nil || !c.Supported() {
		return "MOCK"
	}
	cur, err := c.Current()
	if err != nil || cur == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(cur)
}

// Mock is the Controller used where the host cannot be queried or changed.
type Mock struct{}

// CongestionWindow always fails with ErrNoSupport.
func (Mock) CongestionWindow() (int, error) { return 0, ErrNoSupport }

// SetAlgorithm always fails with ErrNoSupport.
func (Mock) SetAlgorithm(string) error { return ErrNoSupport }

// Current always fails with ErrNoSupport.
func (Mock) Current() (string, error) { return "", ErrNoSupport }

// Supported returns false.
func (Mock) Supported() bool { return false }
