// Package policy implements the adaptive transmission policy of the proxy.
// Telemetry is classified into one of four tiers, each mapped through a
// lookup table to a fixed tuning tuple and a list of shaping primitives.
package policy

import "time"

// Tier is a coarse classification of path quality.
type Tier int

// Tiers, from the most cautious to the most aggressive.
const (
	Safe Tier = iota
	Conservative
	Balanced
	Aggressive
)

func (t Tier) String() string {
	switch t {
	case Safe:
		return "SAFE"
	case Conservative:
		return "CONSERVATIVE"
	case Balanced:
		return "BALANCED"
	case Aggressive:
		return "AGGRESSIVE"
	}
	return "UNKNOWN"
}

// Kind identifies a shaping primitive.
type Kind int

// Shaping primitives.
const (
	// Pace sleeps proportionally to the chunk size.
	Pace Kind = iota
	// DelayAck sleeps a fixed millisecond.
	DelayAck
)

func (k Kind) String() string {
	switch k {
	case Pace:
		return "pacing"
	case DelayAck:
		return "delayed-ack"
	}
	return "unknown"
}

// Tuning is the fixed tuple a tier applies when it becomes current.
type Tuning struct {
	PacingDelay   time.Duration
	AckDelay      time.Duration
	BufferStep    int
	BufferCeiling int
	Algorithm     string
	// Primitives run, in order, on every forwarded chunk.
	Primitives []Kind
}

// Buffer sizes, in bytes.
const (
	KiB = 1024

	InitialBufferSize = 4 * KiB
	MinBufferSize     = 1 * KiB
)

var tunings = map[Tier]Tuning{
	Aggressive: {
		PacingDelay:   0,
		AckDelay:      15000 * time.Microsecond,
		BufferStep:    8 * KiB,
		BufferCeiling: 256 * KiB,
		Algorithm:     "bbr",
		Primitives:    []Kind{Pace},
	},
	Balanced: {
		PacingDelay:   1 * time.Millisecond,
		AckDelay:      40000 * time.Microsecond,
		BufferStep:    4 * KiB,
		BufferCeiling: 128 * KiB,
		Algorithm:     "cubic",
		Primitives:    []Kind{Pace, DelayAck},
	},
	Conservative: {
		PacingDelay:   3 * time.Millisecond,
		AckDelay:      120000 * time.Microsecond,
		BufferStep:    2 * KiB,
		BufferCeiling: 64 * KiB,
		Algorithm:     "reno",
		Primitives:    []Kind{DelayAck, Pace},
	},
	Safe: {
		PacingDelay:   8 * time.Millisecond,
		AckDelay:      200000 * time.Microsecond,
		BufferStep:    1 * KiB,
		BufferCeiling: 32 * KiB,
		Algorithm:     "westwood",
		Primitives:    []Kind{DelayAck},
	},
}

// TuningFor returns the tuning of tier t. Unknown tiers get the Safe tuning.
func TuningFor(t Tier) Tuning {
	if tn, ok := tunings[t]; ok {
		return tn
	}
	return tunings[Safe]
}

// Algorithms returns the congestion control algorithm of every tier, from
// Safe to Aggressive.
func Algorithms() []string {
	var algos []string
	for t := Safe; t <= Aggressive; t++ {
		algos = append(algos, TuningFor(t).Algorithm)
	}
	return algos
}

// Classify maps an RTT and its variance, both in microseconds, and a
// throughput in bytes per second to a tier. The first matching rule wins.
func Classify(rtt int64, rttVar float64, thr int64) Tier {
	switch {
	case rtt > 5000000 || rttVar > 3000000:
		return Safe
	case rttVar > 900000 || thr < 30000:
		return Conservative
	case rtt < 700000 && rttVar < 100000 && thr > 100000:
		return Aggressive
	default:
		return Balanced
	}
}

// StepBuffer moves cur one step toward ceiling, never below MinBufferSize.
func StepBuffer(cur, step, ceiling int) int {
	if cur < ceiling {
		cur += step
	} else if cur > ceiling {
		cur -= step
	}
	if cur < MinBufferSize {
		cur = MinBufferSize
	}
	return cur
}
