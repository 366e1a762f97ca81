package telemetry

import (
	"context"
	"time"

	"github.com/apex/log"

	"github.com/m-lab/adaptive-proxy/logging"
)

// Store receives snapshots of live sessions and carries remote termination
// requests. redis.Client implements it.
type Store interface {
	Publish(ctx context.Context, id string, s Snapshot) error
	Terminated(ctx context.Context, id string) (bool, error)
}

// Monitor refreshes RTT, variance and the congestion window every
// MonitorInterval and logs a line whenever the byte counters changed. It
// returns once the telemetry is closed, after stopping background logging.
func (t *Telemetry) Monitor() {
	ticker := time.NewTicker(MonitorInterval)
	defer ticker.Stop()
	defer t.StopBackgroundLogging()

	var lastC2S, lastS2C int64
	for t.Alive() {
		rtt, _ := t.sampleRTT()
		t.UpdateCongestionWindow()
		c2s, s2c := t.Bytes()
		if c2s != lastC2S || s2c != lastS2C {
			lastC2S, lastS2C = c2s, s2c
			logging.Logger.WithFields(log.Fields{
				"session":   t.id,
				"c2s":       c2s,
				"s2c":       s2c,
				"rtt_us":    rtt,
				"rttvar_us": int64(t.RTTVar()),
				"buffer":    t.BufferSize(),
				"cwnd":      t.CongestionWindow(),
				"ssthresh":  t.SSThresh(),
			}).Info("telemetry: monitor")
		}
		if t.terminated() {
			return
		}
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
	}
}

// terminated asks the store whether the session must end, and if so closes
// the telemetry and runs the termination callback.
func (t *Telemetry) terminated() bool {
	if t.store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stop, err := t.store.Terminated(ctx, t.id)
	if err != nil {
		logging.Logger.WithError(err).WithField("session", t.id).Debug("telemetry: could not read termination flag")
		return false
	}
	if !stop {
		return false
	}
	logging.Logger.WithField("session", t.id).Info("telemetry: remote termination requested")
	t.Close()
	if t.onTerminate != nil {
		t.onTerminate()
	}
	return true
}
