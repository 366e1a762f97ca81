package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/m-lab/adaptive-proxy/capture"
	"github.com/m-lab/adaptive-proxy/congestion"
	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/magic"
	"github.com/m-lab/adaptive-proxy/policy"
	"github.com/m-lab/adaptive-proxy/telemetry"
	"github.com/m-lab/adaptive-proxy/uuidx"
)

// Capture file names of the three phases of a session.
const (
	ClientToServerName = "C_S"
	ServerToClientName = "S_C"
	EchoName           = "echo"
)

// Session results, used as the result label of proxy_sessions_total.
const (
	ResultOK         = "ok"
	ResultTimeout    = "timeout"
	ResultTerminated = "terminated"
	ResultDialError  = "dial-error"
	ResultPanic      = "panic"
)

// ProbeMode selects how sessions measure RTT.
type ProbeMode string

// Supported probe modes.
const (
	// ProbeInband sends one byte on the upstream connection and waits for
	// one byte back. Only meaningful in front of an echoing upstream.
	ProbeInband = ProbeMode("inband")
	// ProbeKernel reads the smoothed RTT of the upstream socket.
	ProbeKernel = ProbeMode("kernel")
	// ProbeNone disables RTT measurement.
	ProbeNone = ProbeMode("none")
)

// Session is one proxied client connection and its upstream connection.
type Session struct {
	ID        string
	Client    net.Conn
	Server    net.Conn
	Telemetry *telemetry.Telemetry
	Policy    *policy.Engine
	Start     time.Time

	cfg        Config
	mu         sync.Mutex
	closeOnce  sync.Once
	terminated atomic.Bool
}

// NewSession wires telemetry, policy and congestion control for the pair
// client, server.
func NewSession(cfg Config, client, server net.Conn) *Session {
	s := &Session{
		ID:     sessionID(client),
		Client: client,
		Server: server,
		Start:  time.Now(),
		cfg:    cfg,
	}

	clientInfo := magic.ToConnInfo(client)
	serverInfo := magic.ToConnInfo(server)
	var info congestion.InfoReader
	var sockets []congestion.SocketSetter
	if clientInfo != nil {
		info = clientInfo
		sockets = append(sockets, clientInfo)
	}
	if serverInfo != nil {
		sockets = append(sockets, serverInfo)
	}
	cc := congestion.New(congestion.Config{Scope: cfg.Scope, ProcPath: cfg.ProcPath}, info, sockets...)

	var prober telemetry.Prober
	switch cfg.Probe {
	case ProbeInband:
		prober = &telemetry.InbandProber{Conn: server}
	case ProbeKernel:
		if serverInfo != nil {
			prober = &telemetry.KernelProber{Info: serverInfo}
		}
	}

	s.Telemetry = telemetry.New(telemetry.Config{
		ID:        s.ID,
		Prober:    prober,
		Window:    cc,
		Store:     cfg.Store,
		Algorithm: congestion.InitialLabel(cc),
		OnTerminate: func() {
			s.terminated.Store(true)
			s.closeConns()
		},
	})
	s.Policy = policy.New(s.Telemetry, cc)
	return s
}

func sessionID(c net.Conn) string {
	if ci := magic.ToConnInfo(c); ci != nil {
		if id, err := ci.GetUUID(); err == nil {
			return id
		}
	}
	return uuidx.New()
}

// Run relays the session until both directions are finished, then runs
// the optional echo phase. It returns the session result. Run closes both
// connections before returning.
func (s *Session) Run(ctx context.Context) string {
	var cancel context.CancelFunc
	if s.cfg.SessionTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SessionTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	defer s.closeConns()

	helpers := sync.WaitGroup{}
	// Close the sockets when the context is done; this unblocks the pipes.
	stop := make(chan struct{})
	helpers.Add(2)
	go func() {
		defer helpers.Done()
		select {
		case <-ctx.Done():
			s.closeConns()
		case <-stop:
		}
	}()
	go func() {
		defer helpers.Done()
		s.Telemetry.Monitor()
	}()
	if err := s.Telemetry.StartBackgroundLogging(s.cfg.LogDir, "metrics_"+s.ID, s.cfg.LogInterval); err != nil {
		logging.Logger.WithError(err).WithField("session", s.ID).Warn("session: telemetry logging disabled")
	}

	pipes := sync.WaitGroup{}
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		s.pipe(s.Client, s.Server, telemetry.ClientToServer, ClientToServerName).Run()
	}()
	go func() {
		defer pipes.Done()
		s.pipe(s.Server, s.Client, telemetry.ServerToClient, ServerToClientName).Run()
	}()
	pipes.Wait()

	if s.cfg.Echo && ctx.Err() == nil && !s.terminated.Load() {
		e := &EchoPipe{
			Conn:     s.Client,
			Capture:  s.capture(EchoName),
			Recorder: s.Telemetry,
			Lock:     &s.mu,
		}
		e.Run()
	}

	s.Telemetry.Close()
	close(stop)
	helpers.Wait()
	s.Telemetry.Wait()

	switch {
	case s.terminated.Load():
		return ResultTerminated
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ResultTimeout
	}
	return ResultOK
}

func (s *Session) pipe(src, dst net.Conn, dir telemetry.Direction, name string) *Pipe {
	return &Pipe{
		Src:      src,
		Dst:      dst,
		Dir:      dir,
		Capture:  s.capture(name),
		Policy:   s.Policy,
		Recorder: s.Telemetry,
		Lock:     &s.mu,
	}
}

// capture opens a capture file, or returns a nil writer that discards
// everything if the file cannot be created.
func (s *Session) capture(name string) *capture.Writer {
	w, err := capture.Create(s.cfg.CaptureDir, name, s.ID)
	if err != nil {
		logging.Logger.WithError(err).WithFields(log.Fields{
			"session": s.ID,
			"capture": name,
		}).Warn("session: capture disabled")
		return nil
	}
	return w
}

func (s *Session) closeConns() {
	s.closeOnce.Do(func() {
		s.Client.Close()
		s.Server.Close()
	})
}

// Info describes a live session.
type Info struct {
	ID           string             `json:"id"`
	Start        time.Time          `json:"start"`
	ClientLocal  string             `json:"client_local"`
	ClientRemote string             `json:"client_remote"`
	ServerLocal  string             `json:"server_local"`
	ServerRemote string             `json:"server_remote"`
	Tier         string             `json:"tier"`
	Telemetry    telemetry.Snapshot `json:"telemetry"`
}

// Info returns a description of the session.
func (s *Session) Info() Info {
	return Info{
		ID:           s.ID,
		Start:        s.Start,
		ClientLocal:  addrString(s.Client.LocalAddr()),
		ClientRemote: addrString(s.Client.RemoteAddr()),
		ServerLocal:  addrString(s.Server.LocalAddr()),
		ServerRemote: addrString(s.Server.RemoteAddr()),
		Tier:         s.Policy.Current().String(),
		Telemetry:    s.Telemetry.Snapshot(),
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
