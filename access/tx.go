// Package access decides whether the proxy admits new clients.
package access

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"

	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/metrics"
)

// ErrOverLimit is returned by Accept for a client rejected because the
// device transmit rate is above the limit.
var ErrOverLimit = errors.New("transmit rate over limit")

// TxController calculates the bits transmitted every period from the named
// device, and rejects new clients while that rate is above the limit.
type TxController struct {
	period  time.Duration
	device  string
	current uint64
	limit   uint64
	pfs     procfs.FS
}

// NewTxController creates a new instance initialized to run every second,
// reading device statistics from the procfs mounted at procPath. Caller
// should run Watch in a goroutine to regularly update the current rate.
func NewTxController(procPath, device string, rate uint64) (*TxController, error) {
	pfs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, err
	}
	// Read the device once to verify that the device exists.
	_, err = readNetDevLine(pfs, device)
	if err != nil {
		return nil, err
	}
	tx := &TxController{
		device: device,
		limit:  rate,
		pfs:    pfs,
		period: time.Second,
	}
	return tx, nil
}

// Accept accepts the next connection from l. If the rate is over the limit
// the connection is closed immediately and ErrOverLimit is returned. If the
// limit is zero, all connections are accepted.
func (tx *TxController) Accept(l net.Listener) (net.Conn, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}
	cur := atomic.LoadUint64(&tx.current)
	if tx.limit > 0 && cur > tx.limit {
		metrics.AccessRequests.WithLabelValues("rejected").Inc()
		conn.Close()
		return nil, ErrOverLimit
	}
	metrics.AccessRequests.WithLabelValues("accepted").Inc() // accepted != success.
	return conn, nil
}

// Current returns the transmit rate measured over the last period, in bits.
func (tx *TxController) Current() uint64 {
	return atomic.LoadUint64(&tx.current)
}

// Watch updates the current rate every period. If the context is cancelled, the
// context error is returned. If the TxController rate is zero, Watch returns
// immediately. Callers should typically run Watch in a goroutine.
func (tx *TxController) Watch(ctx context.Context) error {
	if tx.limit == 0 {
		// No need to do anything.
		return nil
	}
	t := time.NewTicker(tx.period)
	defer t.Stop()

	// Read current value of TxBytes for device to initialize the following loop.
	v, err := readNetDevLine(tx.pfs, tx.device)
	if err != nil {
		return err
	}

	// Check the device every period until the context is done.
	prev := v.TxBytes
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		v, err := readNetDevLine(tx.pfs, tx.device)
		if err != nil {
			logging.Logger.WithError(err).Warn("access: could not read /proc/net/dev")
			continue
		}
		cur := (v.TxBytes - prev) * 8
		atomic.StoreUint64(&tx.current, cur)
		prev = v.TxBytes
	}
}

func readNetDevLine(pfs procfs.FS, device string) (procfs.NetDevLine, error) {
	nd, err := pfs.NetDev()
	if err != nil {
		return procfs.NetDevLine{}, err
	}
	// Check at creation time whether device exists.
	v, ok := nd[device]
	if !ok {
		return procfs.NetDevLine{}, fmt.Errorf("given device not found: %q", device)
	}
	return v, nil
}
