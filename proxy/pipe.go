package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/m-lab/adaptive-proxy/capture"
	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/metrics"
	"github.com/m-lab/adaptive-proxy/telemetry"
)

const (
	// flushEvery is the number of chunks batched before an explicit flush.
	flushEvery = 8
	// flushIdle bounds how long a batched chunk may wait for a flush when
	// the source goes quiet.
	flushIdle = 10 * time.Millisecond
	// batchSize is the size of the batching writer in front of the
	// destination socket.
	batchSize = 64 * 1024
)

// Shaper is the policy consulted by a Pipe. policy.Engine implements it.
type Shaper interface {
	Apply(chunk []byte, n int)
	SendBufferSize() int
}

// Recorder receives the byte counts of a Pipe. telemetry.Telemetry
// implements it.
type Recorder interface {
	RecordBytes(dir telemetry.Direction, n int)
	Close()
}

// Pipe relays one direction of a session from Src to Dst.
type Pipe struct {
	Src      net.Conn
	Dst      net.Conn
	Dir      telemetry.Direction
	Capture  *capture.Writer
	Policy   Shaper
	Recorder Recorder
	// Lock is the session write lock, shared with the opposite Pipe.
	Lock *sync.Mutex

	out   *bufio.Writer
	idle  *time.Timer
	chunk int
}

// Run copies Src to Dst until Src reaches EOF or an I/O error occurs. Each
// chunk is captured, shaped by the policy, and forwarded under the session
// write lock; its size is recorded after the lock is released. On exit the
// write side of Dst is shut down, and the recorder and capture are closed.
func (p *Pipe) Run() {
	p.out = bufio.NewWriterSize(p.Dst, batchSize)
	p.idle = time.AfterFunc(time.Hour, p.flushIdle)
	p.idle.Stop()
	defer p.finish()

	buf := make([]byte, p.Policy.SendBufferSize())
	for {
		if size := p.Policy.SendBufferSize(); size != len(buf) {
			buf = make([]byte, size)
		}
		n, err := p.Src.Read(buf)
		if n > 0 {
			werr := p.forward(buf, n)
			p.Recorder.RecordBytes(p.Dir, n)
			metrics.RelayedBytes.WithLabelValues(p.Dir.String()).Add(float64(n))
			if werr != nil {
				logging.Logger.WithError(werr).WithField("direction", p.Dir.String()).Debug("pipe: write failed")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Logger.WithError(err).WithField("direction", p.Dir.String()).Debug("pipe: read failed")
			}
			return
		}
	}
}

func (p *Pipe) forward(buf []byte, n int) error {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	p.Capture.WritePacket(buf, n)
	p.Policy.Apply(buf, n)
	if _, err := p.out.Write(buf[:n]); err != nil {
		return err
	}
	p.chunk++
	// A short read means the source has nothing queued right now.
	if p.chunk%flushEvery == 0 || n < len(buf) {
		p.idle.Stop()
		return p.out.Flush()
	}
	p.idle.Reset(flushIdle)
	return nil
}

func (p *Pipe) flushIdle() {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	if err := p.out.Flush(); err != nil {
		logging.Logger.WithError(err).WithField("direction", p.Dir.String()).Debug("pipe: idle flush failed")
	}
}

func (p *Pipe) finish() {
	p.idle.Stop()
	p.Lock.Lock()
	err := p.out.Flush()
	p.Lock.Unlock()
	if err != nil {
		logging.Logger.WithError(err).WithField("direction", p.Dir.String()).Debug("pipe: final flush failed")
	}
	closeWrite(p.Dst)
	p.Recorder.Close()
	if err := p.Capture.Close(); err != nil {
		logging.Logger.WithError(err).WithFields(log.Fields{
			"direction": p.Dir.String(),
			"file":      p.Capture.Name(),
		}).Warn("pipe: could not close capture")
	}
}

// closeWrite shuts down the write side of c, or closes c when it cannot be
// half closed.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}
