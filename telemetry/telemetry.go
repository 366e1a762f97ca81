// Package telemetry keeps the per-session path measurements used by the
// adaptive policy: byte counters for both directions, RTT and its variance,
// throughput, and a congestion window that is either read from the kernel
// or emulated with a simplified TCP Tahoe state machine.
//
// A Telemetry is shared by the two pipes, the monitor, and the background
// logger of a single session. Counters are guarded by their own mutex, so
// recording bytes never contends with the session write lock.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/metrics"
)

// Direction identifies which counter a relayed chunk is recorded against.
type Direction int

// Directions of a session.
const (
	ClientToServer Direction = iota
	ServerToClient
	// Echo is the terminal echo phase; it is counted with ServerToClient.
	Echo
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "c2s"
	case ServerToClient:
		return "s2c"
	case Echo:
		return "echo"
	}
	return "unknown"
}

// Tahoe emulation and loss detection constants.
const (
	InitialWindow   = 10
	InitialSSThresh = 300

	// A sample with variance above lossRTTVar and RTT above lossRTT
	// (both in microseconds) is treated as a loss event.
	lossRTTVar = 500000
	lossRTT    = 1000000

	// DefaultRTT is used, in microseconds, when no RTT was ever measured.
	DefaultRTT = 1000

	// MonitorInterval is the period of the monitor loop.
	MonitorInterval = 500 * time.Millisecond
)

// WindowSource reports the real congestion window of the session socket.
// congestion.Controller implements it.
type WindowSource interface {
	CongestionWindow() (int, error)
}

// Config holds the collaborators of a Telemetry. Every field is optional.
type Config struct {
	// ID identifies the session in logs and in the Store.
	ID string
	// Prober measures one RTT sample; nil disables probing.
	Prober Prober
	// Window provides the kernel congestion window; nil forces emulation.
	Window WindowSource
	// Store receives snapshots and may request remote termination.
	Store Store
	// Algorithm is the initial congestion control label.
	Algorithm string
	// OnTerminate runs after a remote termination request closed the
	// telemetry, typically to close the session sockets.
	OnTerminate func()
}

// Telemetry holds the measurements of one session.
type Telemetry struct {
	id          string
	prober      Prober
	window      WindowSource
	store       Store
	onTerminate func()
	now         func() time.Time

	// mu guards the byte counters only.
	mu  sync.Mutex
	c2s int64
	s2c int64

	// stateMu guards the RTT, throughput, and congestion window state.
	stateMu        sync.Mutex
	lastRTT        int64
	rttVar         float64
	lastBytes      int64
	lastMillis     int64
	lastThroughput int64
	cwnd           int
	ssthresh       int
	algorithm      string

	probeMu    sync.Mutex
	bufferSize atomic.Int64

	alive     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	logMu   sync.Mutex
	logging bool
	stopLog func()
	logWG   sync.WaitGroup
}

// New creates the Telemetry of a session.
func New(cfg Config) *Telemetry {
	t := &Telemetry{
		id:          cfg.ID,
		prober:      cfg.Prober,
		window:      cfg.Window,
		store:       cfg.Store,
		onTerminate: cfg.OnTerminate,
		now:         time.Now,
		lastRTT:     -1,
		lastMillis:  -1,
		cwnd:        InitialWindow,
		ssthresh:    InitialSSThresh,
		algorithm:   cfg.Algorithm,
		done:        make(chan struct{}),
	}
	if t.algorithm == "" {
		t.algorithm = "unknown"
	}
	t.bufferSize.Store(-1)
	t.alive.Store(true)
	return t
}

// ID returns the session identifier.
func (t *Telemetry) ID() string {
	return t.id
}

// RecordBytes adds n to the counter of direction dir.
func (t *Telemetry) RecordBytes(dir Direction, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dir == ClientToServer {
		t.c2s += int64(n)
	} else {
		t.s2c += int64(n)
	}
}

// Bytes returns the client to server and server to client totals.
func (t *Telemetry) Bytes() (c2s, s2c int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c2s, t.s2c
}

// ThroughputBps returns the bytes per second relayed in both directions
// since the previous call and starts a new sampling window. The first call
// returns zero.
func (t *Telemetry) ThroughputBps() int64 {
	c2s, s2c := t.Bytes()
	return t.throughput(c2s+s2c, t.now().UnixMilli())
}

func (t *Telemetry) throughput(total, nowMillis int64) int64 {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.lastMillis < 0 {
		t.lastMillis = nowMillis
		t.lastBytes = total
		return 0
	}
	diffMillis := nowMillis - t.lastMillis
	if diffMillis <= 0 {
		return 0
	}
	thr := (total - t.lastBytes) * 1000 / diffMillis
	t.lastMillis = nowMillis
	t.lastBytes = total
	t.lastThroughput = thr
	return thr
}

// ProbeRTT measures one RTT sample in microseconds, or returns -1 if the
// probe failed or no prober is configured. Concurrent probes are
// serialized.
func (t *Telemetry) ProbeRTT() int64 {
	if t.prober == nil {
		return -1
	}
	t.probeMu.Lock()
	defer t.probeMu.Unlock()
	d, err := t.prober.Probe()
	if err != nil {
		metrics.ProbeFailures.Inc()
		logging.Logger.WithError(err).WithField("session", t.id).Debug("telemetry: rtt probe failed")
		return -1
	}
	return d.Microseconds()
}

// UpdateRTTVariance folds the RTT sample newRTT, in microseconds, into the
// variance EWMA. Negative samples are ignored.
func (t *Telemetry) UpdateRTTVariance(newRTT int64) {
	if newRTT < 0 {
		return
	}
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.lastRTT != -1 {
		diff := float64(newRTT - t.lastRTT)
		if diff < 0 {
			diff = -diff
		}
		t.rttVar = 0.75*t.rttVar + 0.25*diff
	} else {
		t.rttVar = 0
	}
	t.lastRTT = newRTT
}

// sampleRTT probes and updates the variance. It returns the RTT to report
// and whether the probe succeeded; on failure the last known RTT, or
// DefaultRTT, is reported instead.
func (t *Telemetry) sampleRTT() (int64, bool) {
	rtt := t.ProbeRTT()
	if rtt >= 0 {
		t.UpdateRTTVariance(rtt)
		return rtt, true
	}
	if last := t.LastRTT(); last >= 0 {
		return last, false
	}
	return DefaultRTT, false
}

// UpdateCongestionWindow refreshes the congestion window. The kernel value
// is used when available; otherwise the window grows following slow start
// below ssthresh and congestion avoidance above it, and collapses back to
// InitialWindow on a loss signal.
func (t *Telemetry) UpdateCongestionWindow() {
	if t.window != nil {
		if cw, err := t.window.CongestionWindow(); err == nil && cw > 0 {
			t.stateMu.Lock()
			t.cwnd = cw
			t.stateMu.Unlock()
			return
		}
	}
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.cwnd < t.ssthresh {
		t.cwnd = minInt(t.cwnd*2, t.ssthresh)
	} else {
		t.cwnd++
	}
	if t.rttVar > lossRTTVar && t.lastRTT > lossRTT {
		t.ssthresh = maxInt(t.cwnd/2, InitialWindow)
		t.cwnd = InitialWindow
		logging.Logger.WithFields(log.Fields{
			"session":  t.id,
			"cwnd":     t.cwnd,
			"ssthresh": t.ssthresh,
		}).Info("telemetry: loss detected, window reset")
	}
}

// LastRTT returns the last RTT sample in microseconds, or -1.
func (t *Telemetry) LastRTT() int64 {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.lastRTT
}

// RTTVar returns the RTT variance in microseconds.
func (t *Telemetry) RTTVar() float64 {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.rttVar
}

// CongestionWindow returns the current congestion window in segments.
func (t *Telemetry) CongestionWindow() int {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.cwnd
}

// SSThresh returns the emulated slow start threshold.
func (t *Telemetry) SSThresh() int {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.ssthresh
}

// Algorithm returns the congestion control label.
func (t *Telemetry) Algorithm() string {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.algorithm
}

// SetAlgorithm records the congestion control label.
func (t *Telemetry) SetAlgorithm(label string) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.algorithm = label
}

// BufferSize returns the send buffer size chosen by the policy, or -1.
func (t *Telemetry) BufferSize() int {
	return int(t.bufferSize.Load())
}

// SetBufferSize records the send buffer size chosen by the policy.
func (t *Telemetry) SetBufferSize(size int) {
	t.bufferSize.Store(int64(size))
}

// Alive reports whether Close has not been called yet.
func (t *Telemetry) Alive() bool {
	return t.alive.Load()
}

// Done is closed by the first call to Close.
func (t *Telemetry) Done() <-chan struct{} {
	return t.done
}

// Close marks the session as finished and stops background logging. It is
// safe to call Close more than once and from any goroutine.
func (t *Telemetry) Close() {
	t.closeOnce.Do(func() {
		t.alive.Store(false)
		close(t.done)
	})
	t.StopBackgroundLogging()
}

// Wait blocks until the background logger, if any, has released its file.
func (t *Telemetry) Wait() {
	t.logWG.Wait()
}

// Snapshot is a point in time view of the session measurements.
type Snapshot struct {
	ID               string `json:"id"`
	EpochMillis      int64  `json:"epoch_ms"`
	C2SBytes         int64  `json:"c2s_bytes"`
	S2CBytes         int64  `json:"s2c_bytes"`
	RTTMicros        int64  `json:"rtt_us"`
	RTTVarMicros     int64  `json:"rttvar_us"`
	ThroughputBps    int64  `json:"throughput_Bps"`
	Algorithm        string `json:"algorithm"`
	BufferSize       int    `json:"buffer_size"`
	CongestionWindow int    `json:"cwnd"`
	SSThresh         int    `json:"ssthresh"`
	Alive            bool   `json:"alive"`
}

// Snapshot returns the current measurements without starting a new
// throughput window.
func (t *Telemetry) Snapshot() Snapshot {
	c2s, s2c := t.Bytes()
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return Snapshot{
		ID:               t.id,
		EpochMillis:      t.now().UnixMilli(),
		C2SBytes:         c2s,
		S2CBytes:         s2c,
		RTTMicros:        t.lastRTT,
		RTTVarMicros:     int64(t.rttVar),
		ThroughputBps:    t.lastThroughput,
		Algorithm:        t.algorithm,
		BufferSize:       t.BufferSize(),
		CongestionWindow: t.cwnd,
		SSThresh:         t.ssthresh,
		Alive:            t.Alive(),
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
