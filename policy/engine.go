package policy

import (
	"errors"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/m-lab/adaptive-proxy/congestion"
	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/metrics"
)

// EvaluationInterval is the minimum time between two classifications.
const EvaluationInterval = 2500 * time.Millisecond

// Telemetry is the subset of telemetry.Telemetry the engine reads and
// updates.
type Telemetry interface {
	LastRTT() int64
	RTTVar() float64
	ThroughputBps() int64
	SetBufferSize(size int)
	SetAlgorithm(label string)
}

// Engine selects the tier of one session and shapes the chunks it
// forwards. Apply is called under the session write lock; the getters may
// be called from any goroutine.
type Engine struct {
	tm Telemetry
	cc congestion.Controller

	now   func() time.Time
	sleep func(time.Duration)

	mu          sync.Mutex
	current     Tier
	bufferSize  int
	pacingDelay time.Duration
	ackDelay    time.Duration
	lastSwitch  time.Time
}

// New creates an Engine starting in the Balanced tier with a 4 KiB send
// buffer. cc may be nil, in which case algorithm changes are only labeled.
func New(tm Telemetry, cc congestion.Controller) *Engine {
	if cc == nil {
		cc = congestion.Mock{}
	}
	e := &Engine{
		tm:         tm,
		cc:         cc,
		now:        time.Now,
		sleep:      time.Sleep,
		current:    Balanced,
		bufferSize: InitialBufferSize,
	}
	tm.SetBufferSize(e.bufferSize)
	return e
}

// Apply re-evaluates the tier, at most once per EvaluationInterval, and
// then runs the primitives of the current tier against the first n bytes
// of chunk. It may sleep.
func (e *Engine) Apply(chunk []byte, n int) {
	e.evaluate()
	for _, k := range e.Primitives() {
		e.run(k, n)
	}
}

func (e *Engine) evaluate() {
	now := e.now()
	e.mu.Lock()
	if !e.lastSwitch.IsZero() && now.Sub(e.lastSwitch) < EvaluationInterval {
		e.mu.Unlock()
		return
	}
	e.lastSwitch = now
	e.mu.Unlock()

	// Telemetry takes its own locks; never hold mu while reading it.
	chosen := Classify(e.tm.LastRTT(), e.tm.RTTVar(), e.tm.ThroughputBps())

	e.mu.Lock()
	if chosen == e.current {
		e.mu.Unlock()
		return
	}
	prev := e.bufferSize
	tn := TuningFor(chosen)
	e.current = chosen
	e.pacingDelay = tn.PacingDelay
	e.ackDelay = tn.AckDelay
	e.bufferSize = StepBuffer(e.bufferSize, tn.BufferStep, tn.BufferCeiling)
	size := e.bufferSize
	e.mu.Unlock()

	metrics.PolicyTransitions.WithLabelValues(chosen.String()).Inc()
	e.tm.SetBufferSize(size)

	err := e.cc.SetAlgorithm(tn.Algorithm)
	label := congestion.Label(e.cc, tn.Algorithm, err)
	e.tm.SetAlgorithm(label)
	metrics.CongestionChanges.WithLabelValues(tn.Algorithm, result(e.cc, err)).Inc()

	logging.Logger.WithFields(log.Fields{
		"tier":      chosen.String(),
		"algorithm": tn.Algorithm,
		"label":     label,
		"pacing":    tn.PacingDelay.String(),
		"ack":       tn.AckDelay.String(),
		"buffer":    prev,
		"new":       size,
	}).Info("policy: tier changed")
}

func result(cc congestion.Controller, err error) string {
	switch {
	case !cc.Supported() || errors.Is(err, congestion.ErrNoSupport):
		return "mock"
	case err != nil:
		return "failed"
	}
	return "ok"
}

func (e *Engine) run(k Kind, n int) {
	switch k {
	case Pace:
		e.sleep(PacingSleep(n))
	case DelayAck:
		e.sleep(DelayedAckSleep)
	}
}

// DelayedAckSleep is the fixed pause of the delayed-ack primitive.
const DelayedAckSleep = time.Millisecond

// PacingSleep is the pause of the pacing primitive for a chunk of n bytes:
// one millisecond per 2000 bytes, rounded down.
func PacingSleep(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n/2000) * time.Millisecond
}

// Current returns the current tier.
func (e *Engine) Current() Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Primitives returns the shaping primitives of the current tier.
func (e *Engine) Primitives() []Kind {
	return TuningFor(e.Current()).Primitives
}

// SendBufferSize returns the buffer size pipes should read with.
func (e *Engine) SendBufferSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferSize
}

// PacingDelay returns the pacing delay of the last applied tuning.
func (e *Engine) PacingDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pacingDelay
}

// AckDelay returns the delayed-ack delay of the last applied tuning.
func (e *Engine) AckDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ackDelay
}
