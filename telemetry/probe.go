package telemetry

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/m-lab/tcp-info/tcp"

	"github.com/m-lab/adaptive-proxy/tcpinfox"
)

// ErrNoSample is returned by a Prober that has nothing to measure.
var ErrNoSample = errors.New("no rtt sample available")

// probeByte is the payload of an in-band RTT probe.
const probeByte = 42

// Prober measures a single round trip time sample.
type Prober interface {
	Probe() (time.Duration, error)
}

// InbandProber writes one byte on Conn and waits for one byte back.
//
// The probe shares the data channel with the relayed stream: the probe byte
// reaches the upstream as payload, and the byte read back is consumed from
// the upstream's response. It only yields meaningful samples against an
// upstream that echoes, and it must not run concurrently with a reader of
// Conn that expects every byte.
type InbandProber struct {
	Conn net.Conn
}

// Probe implements Prober.
func (p *InbandProber) Probe() (time.Duration, error) {
	if p.Conn == nil {
		return 0, ErrNoSample
	}
	start := time.Now()
	if _, err := p.Conn.Write([]byte{probeByte}); err != nil {
		return 0, err
	}
	pong := make([]byte, 1)
	n, err := p.Conn.Read(pong)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, fmt.Errorf("short probe reply: %d bytes", n)
	}
	return time.Since(start), nil
}

// InfoReader provides kernel TCP_INFO. magic.Conn implements it.
type InfoReader interface {
	ReadInfo() (tcp.LinuxTCPInfo, error)
}

// KernelProber reports the kernel smoothed RTT of a socket. It never touches
// the data channel.
type KernelProber struct {
	Info InfoReader
}

// Probe implements Prober.
func (p *KernelProber) Probe() (time.Duration, error) {
	if p.Info == nil {
		return 0, ErrNoSample
	}
	ti, err := p.Info.ReadInfo()
	if err != nil {
		return 0, err
	}
	rtt, ok := tcpinfox.SmoothedRTT(&ti)
	if !ok {
		return 0, ErrNoSample
	}
	return rtt, nil
}
