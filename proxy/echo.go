package proxy

import (
	"net"
	"sync"

	"github.com/m-lab/adaptive-proxy/capture"
	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/telemetry"
)

// echoBufferSize is the fixed read size of an EchoPipe.
const echoBufferSize = 8 * 1024

// EchoPipe writes everything read from Conn back to Conn. It runs as the
// terminal phase of a session, without any policy shaping.
type EchoPipe struct {
	Conn     net.Conn
	Capture  *capture.Writer
	Recorder Recorder
	Lock     *sync.Mutex
}

// Run echoes until Conn reaches EOF or fails, then closes the recorder and
// the capture.
func (e *EchoPipe) Run() {
	defer func() {
		e.Recorder.Close()
		if err := e.Capture.Close(); err != nil {
			logging.Logger.WithError(err).Warn("echo: could not close capture")
		}
	}()
	buf := make([]byte, echoBufferSize)
	for {
		n, err := e.Conn.Read(buf)
		if n > 0 {
			werr := e.echo(buf, n)
			e.Recorder.RecordBytes(telemetry.Echo, n)
			if werr != nil {
				logging.Logger.WithError(werr).Debug("echo: write failed")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *EchoPipe) echo(buf []byte, n int) error {
	e.Lock.Lock()
	defer e.Lock.Unlock()
	e.Capture.WritePacket(buf, n)
	_, err := e.Conn.Write(buf[:n])
	return err
}
