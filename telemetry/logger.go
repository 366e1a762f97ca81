package telemetry

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/adaptive-proxy/logging"
)

// Header is the first row of every telemetry CSV file.
var Header = []string{
	"epoch_ms", "c2s_bytes", "s2c_bytes", "rtt_us", "rttvar_us",
	"throughput_Bps", "status", "algorithm", "buffer_size", "cwnd", "ssthresh",
}

// Probe status values written to the CSV status column.
const (
	StatusOK   = "OK"
	StatusFail = "FAIL"
)

// Record is one CSV row written by the background logger.
type Record struct {
	EpochMillis      int64  `csv:"epoch_ms"`
	C2SBytes         int64  `csv:"c2s_bytes"`
	S2CBytes         int64  `csv:"s2c_bytes"`
	RTTMicros        int64  `csv:"rtt_us"`
	RTTVarMicros     int64  `csv:"rttvar_us"`
	ThroughputBps    int64  `csv:"throughput_Bps"`
	Status           string `csv:"status"`
	Algorithm        string `csv:"algorithm"`
	BufferSize       int    `csv:"buffer_size"`
	CongestionWindow int    `csv:"cwnd"`
	SSThresh         int    `csv:"ssthresh"`
}

// LogFileName returns the CSV path for prefix created at t. Any directory
// part and ".csv" suffix of prefix are dropped.
func LogFileName(dir, prefix string, t time.Time) string {
	clean := strings.TrimSuffix(filepath.Base(prefix), ".csv")
	return filepath.Join(dir, fmt.Sprintf("%s_%d.csv", clean, t.UnixMilli()))
}

// StartBackgroundLogging starts writing one Record every interval to a new
// CSV file under dir. It does nothing if logging is already running or the
// telemetry is closed. A file creation error is returned and only disables
// logging; the session is not affected.
func (t *Telemetry) StartBackgroundLogging(dir, prefix string, interval time.Duration) error {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	if t.logging || !t.Alive() {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := LogFileName(dir, prefix, t.now())
	fp, err := os.Create(name)
	if err != nil {
		return err
	}
	w := gocsv.NewSafeCSVWriter(csv.NewWriter(fp))
	if err := w.Write(Header); err != nil {
		warnonerror.Close(fp, "telemetry: could not close "+name)
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		warnonerror.Close(fp, "telemetry: could not close "+name)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Expected: interval,
		Min:      interval,
		Max:      interval,
	})
	if err != nil {
		cancel()
		warnonerror.Close(fp, "telemetry: could not close "+name)
		return err
	}
	t.logging = true
	t.stopLog = cancel
	t.logWG.Add(1)
	go t.logLoop(ctx, ticker, fp, w)
	logging.Logger.WithFields(log.Fields{"session": t.id, "file": name}).Info("telemetry: logging started")
	return nil
}

// StopBackgroundLogging stops the logger. The file is released once the
// logger goroutine returns; use Wait to block until then.
func (t *Telemetry) StopBackgroundLogging() {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	if t.stopLog != nil {
		t.stopLog()
		t.stopLog = nil
	}
	t.logging = false
}

func (t *Telemetry) logLoop(ctx context.Context, ticker *memoryless.Ticker, fp *os.File, w *gocsv.SafeCSVWriter) {
	defer t.logWG.Done()
	defer warnonerror.Close(fp, "telemetry: could not close "+fp.Name())
	defer ticker.Stop()
	for t.Alive() {
		rec := t.sample()
		if err := gocsv.MarshalCSVWithoutHeaders([]Record{rec}, w); err != nil {
			logging.Logger.WithError(err).WithField("session", t.id).Warn("telemetry: could not write row")
			return
		}
		w.Flush()
		t.publish(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
		}
	}
}

// sample takes one measurement for the logger.
func (t *Telemetry) sample() Record {
	now := t.now()
	c2s, s2c := t.Bytes()
	rtt, ok := t.sampleRTT()
	status := StatusOK
	if !ok {
		status = StatusFail
	}
	t.UpdateCongestionWindow()
	thr := t.throughput(c2s+s2c, now.UnixMilli())

	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return Record{
		EpochMillis:      now.UnixMilli(),
		C2SBytes:         c2s,
		S2CBytes:         s2c,
		RTTMicros:        rtt,
		RTTVarMicros:     int64(t.rttVar),
		ThroughputBps:    thr,
		Status:           status,
		Algorithm:        t.algorithm,
		BufferSize:       t.BufferSize(),
		CongestionWindow: t.cwnd,
		SSThresh:         t.ssthresh,
	}
}

func (t *Telemetry) publish(ctx context.Context) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := t.store.Publish(ctx, t.id, t.Snapshot()); err != nil {
		logging.Logger.WithError(err).WithField("session", t.id).Debug("telemetry: could not publish snapshot")
	}
}
