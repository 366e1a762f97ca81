// Package proxy implements the adaptive TCP reverse proxy: a listener that
// accepts client connections, dials the upstream for each of them, and
// relays both directions through policy-shaped, captured pipes.
package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/m-lab/adaptive-proxy/congestion"
	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/magic"
	"github.com/m-lab/adaptive-proxy/metrics"
	"github.com/m-lab/adaptive-proxy/telemetry"
)

// Config holds the parameters shared by every session of a Server.
type Config struct {
	// UpstreamAddr is the host:port every client is relayed to.
	UpstreamAddr string
	CaptureDir   string
	LogDir       string
	LogInterval  time.Duration
	Probe        ProbeMode
	Scope        congestion.Scope
	// ProcPath is the procfs mount point, "/proc" when empty.
	ProcPath string
	// Echo enables the echo phase after both directions finished.
	Echo bool
	// SessionTimeout closes sessions lasting longer; zero disables it.
	SessionTimeout time.Duration
	// Store is optional.
	Store telemetry.Store
}

// Accepter defines an interface the listening server to decide whether to
// accept new connections.
type Accepter interface {
	Accept(l net.Listener) (net.Conn, error)
}

// Server accepts clients and relays each of them to the upstream.
type Server struct {
	cfg      Config
	dialer   *net.Dialer
	listener *magic.Listener

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a Server relaying to cfg.UpstreamAddr.
func NewServer(cfg Config) *Server {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = telemetry.MonitorInterval
	}
	return &Server{
		cfg: cfg,
		// The upstream is expected to be close by.
		dialer: &net.Dialer{
			Timeout: 1 * time.Second,
		},
		sessions: make(map[*Session]struct{}),
	}
}

// ListenAndServe listens on addr and serves clients in the background
// until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tx Accepter) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = magic.NewListener(ln.(*net.TCPListener))
	logging.Logger.WithFields(log.Fields{
		"addr":     s.listener.Addr().String(),
		"upstream": s.cfg.UpstreamAddr,
	}).Info("proxy: listening")
	// Close the listener when the context is canceled. We do this in a separate
	// goroutine to ensure that context cancellation interrupts the Accept() call.
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		ln.Close()
	}()
	// Serve requests until the context is canceled.
	go func() {
		defer s.wg.Done()
		for ctx.Err() == nil {
			conn, err := tx.Accept(s.listener)
			if err != nil {
				if ctx.Err() == nil {
					logging.Logger.WithError(err).Warn("proxy: failed to accept connection")
				}
				continue
			}
			s.wg.Add(1)
			go func() {
				defer func() {
					s.wg.Done()
					r := recover()
					if r != nil {
						metrics.SessionCount.WithLabelValues(ResultPanic).Inc()
						logging.Logger.WithField("panic", r).Error("proxy: recovered from panic in session")
					}
				}()
				s.Handle(ctx, conn)
			}()
		}
	}()
	return nil
}

// Handle relays a single accepted client connection. It returns once the
// session is over and conn is closed.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	upstream, err := magic.Dial(ctx, s.dialer, s.cfg.UpstreamAddr)
	if err != nil {
		logging.Logger.WithError(err).WithField("upstream", s.cfg.UpstreamAddr).Warn("proxy: could not dial upstream")
		metrics.SessionCount.WithLabelValues(ResultDialError).Inc()
		conn.Close()
		return
	}
	sess := NewSession(s.cfg, conn, upstream)
	s.track(sess)
	defer s.untrack(sess)

	logging.Logger.WithFields(log.Fields{
		"session": sess.ID,
		"client":  addrString(conn.RemoteAddr()),
	}).Info("proxy: session started")
	result := sess.Run(ctx)
	c2s, s2c := sess.Telemetry.Bytes()
	logging.Logger.WithFields(log.Fields{
		"session": sess.ID,
		"result":  result,
		"c2s":     c2s,
		"s2c":     s2c,
	}).Info("proxy: session finished")
	metrics.SessionCount.WithLabelValues(result).Inc()
	metrics.SessionDuration.Observe(time.Since(start).Seconds())
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Wait blocks until the accept loop and every session have returned. It
// only returns after the context given to ListenAndServe is canceled.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Sessions describes the live sessions, oldest first.
func (s *Server) Sessions() []Info {
	s.mu.Lock()
	list := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sess.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Start.Before(infos[j].Start)
	})
	return infos
}

// ServeHTTP writes the live sessions as JSON.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.Sessions()); err != nil {
		logging.Logger.WithError(err).Warn("proxy: could not encode sessions")
	}
}

// ResolveUpstream returns host if it resolves, and fallback otherwise. An
// empty fallback disables the check.
func ResolveUpstream(host, fallback string) string {
	if fallback == "" {
		return host
	}
	if _, err := net.LookupHost(host); err != nil {
		logging.Logger.WithError(err).WithFields(log.Fields{
			"host":     host,
			"fallback": fallback,
		}).Warn("proxy: upstream host does not resolve, using fallback")
		return fallback
	}
	return host
}
