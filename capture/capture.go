// Package capture writes the bytes relayed by the proxy into classic
// libpcap files, one file per session direction. The files use the
// microsecond little-endian format so they can be opened directly by
// packet analyzers.
//
// Capture is best effort: once a file is open, write failures are logged
// and counted but never returned, so that a full disk cannot break the
// relay.
package capture

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/metrics"
)

// SnapLen is the snapshot length advertised in the global header.
const SnapLen = 0xFFFF

// Writer appends packet records to a capture file. A nil *Writer is valid
// and discards everything, which lets callers keep relaying when the file
// could not be created.
type Writer struct {
	mu   sync.Mutex
	name string
	open bool
	fp   *os.File
	buf  *bufio.Writer
	pw   *pcapgo.Writer
	now  func() time.Time
}

// FileName returns the path of the capture file for the given direction
// name and session id, stamped with the epoch milliseconds of t.
func FileName(dir, name, id string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%d.pcap", name, id, t.UnixMilli()))
}

// Open creates the file at path, creating the parent directories when
// missing, and writes the global header.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(fp)
	pw := pcapgo.NewWriter(buf)
	if err := pw.WriteFileHeader(SnapLen, layers.LinkTypeEthernet); err != nil {
		fp.Close()
		return nil, err
	}
	if err := buf.Flush(); err != nil {
		fp.Close()
		return nil, err
	}
	return &Writer{
		name: "capture",
		open: true,
		fp:   fp,
		buf:  buf,
		pw:   pw,
		now:  time.Now,
	}, nil
}

// Create opens the capture file for direction name of session id in dir.
func Create(dir, name, id string) (*Writer, error) {
	w, err := Open(FileName(dir, name, id, time.Now()))
	if err != nil {
		metrics.CaptureErrors.WithLabelValues(name).Inc()
		return nil, err
	}
	w.name = name
	return w, nil
}

// WritePacket appends the first n bytes of buf as one packet record
// stamped with the current wall clock. It does nothing if the writer is
// closed or n is not positive.
func (w *Writer) WritePacket(buf []byte, n int) {
	if w == nil || n <= 0 {
		return
	}
	if n > len(buf) {
		n = len(buf)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: n,
		Length:        n,
	}
	err := w.pw.WritePacket(ci, buf[:n])
	if err == nil {
		err = w.buf.Flush()
	}
	if err != nil {
		metrics.CaptureErrors.WithLabelValues(w.name).Inc()
		logging.Logger.WithError(err).WithField("capture", w.name).Warn("capture: cannot write packet")
	}
}

// Close flushes and releases the underlying file. It is safe to call Close
// more than once.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return nil
	}
	w.open = false
	ferr := w.buf.Flush()
	cerr := w.fp.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// Name returns the path of the underlying file.
func (w *Writer) Name() string {
	if w == nil {
		return ""
	}
	return w.fp.Name()
}
