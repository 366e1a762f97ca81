package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-lab/adaptive-proxy/congestion"
	"github.com/m-lab/adaptive-proxy/metrics"
	"github.com/m-lab/adaptive-proxy/proxytest"
	"github.com/m-lab/adaptive-proxy/telemetry"
)

type fakeAccepter struct{}

func (f *fakeAccepter) Accept(l net.Listener) (net.Conn, error) {
	return l.Accept()
}

type fakeStore struct {
	terminate bool
}

func (f *fakeStore) Publish(ctx context.Context, id string, s telemetry.Snapshot) error {
	return nil
}

func (f *fakeStore) Terminated(ctx context.Context, id string) (bool, error) {
	return f.terminate, nil
}

func testConfig(t *testing.T, upstream string) Config {
	dir := t.TempDir()
	return Config{
		UpstreamAddr: upstream,
		CaptureDir:   filepath.Join(dir, "pcap"),
		LogDir:       filepath.Join(dir, "logs"),
		LogInterval:  50 * time.Millisecond,
		Probe:        ProbeNone,
		Scope:        congestion.ScopeNone,
		Echo:         true,
	}
}

func startServer(t *testing.T, cfg Config) (*Server, context.CancelFunc) {
	s := NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	rtx.Must(s.ListenAndServe(ctx, "127.0.0.1:0", &fakeAccepter{}), "could not start proxy")
	return s, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerRelay(t *testing.T) {
	echo, err := proxytest.NewEchoServer()
	rtx.Must(err, "could not start upstream")
	defer echo.Close()
	cfg := testConfig(t, echo.Addr())
	s, cancel := startServer(t, cfg)
	ok := testutil.ToFloat64(metrics.SessionCount.WithLabelValues(ResultOK))

	data := randomBytes(64 * 1024)
	conn, err := net.Dial("tcp", s.Addr().String())
	rtx.Must(err, "could not dial proxy")
	go func() {
		conn.Write(data)
		conn.(*net.TCPConn).CloseWrite()
	}()
	got, err := io.ReadAll(conn)
	rtx.Must(err, "could not read from proxy")
	conn.Close()
	assert.Equal(t, data, got)

	// The session ends on its own once the client is gone.
	waitFor(t, func() bool { return len(s.Sessions()) == 0 })
	waitFor(t, func() bool {
		return testutil.ToFloat64(metrics.SessionCount.WithLabelValues(ResultOK)) == ok+1
	})
	cancel()
	s.Wait()

	assert.Equal(t, data, readCapture(t, filepath.Join(cfg.CaptureDir, ClientToServerName+"_*.pcap")))
	assert.Equal(t, data, readCapture(t, filepath.Join(cfg.CaptureDir, ServerToClientName+"_*.pcap")))
	assert.Empty(t, readCapture(t, filepath.Join(cfg.CaptureDir, EchoName+"_*.pcap")))
	logs, err := filepath.Glob(filepath.Join(cfg.LogDir, "metrics_*.csv"))
	rtx.Must(err, "could not glob")
	assert.Len(t, logs, 1)
}

func TestServerDialError(t *testing.T) {
	// Grab a free port, then release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	rtx.Must(err, "could not listen")
	addr := ln.Addr().String()
	ln.Close()

	s, cancel := startServer(t, testConfig(t, addr))
	defer s.Wait()
	defer cancel()
	before := testutil.ToFloat64(metrics.SessionCount.WithLabelValues(ResultDialError))

	conn, err := net.Dial("tcp", s.Addr().String())
	rtx.Must(err, "could not dial proxy")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "the proxy must close the client")
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "the proxy did not close the client")
	}
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SessionCount.WithLabelValues(ResultDialError)))
}

func TestServerListenTwice(t *testing.T) {
	s, cancel := startServer(t, testConfig(t, "127.0.0.1:1"))
	defer s.Wait()
	defer cancel()
	s2 := NewServer(testConfig(t, "127.0.0.1:1"))
	ctx, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	assert.Error(t, s2.ListenAndServe(ctx, s.Addr().String(), &fakeAccepter{}))
}

func TestServerSessionsAndServeHTTP(t *testing.T) {
	echo, err := proxytest.NewEchoServer()
	rtx.Must(err, "could not start upstream")
	defer echo.Close()
	s, cancel := startServer(t, testConfig(t, echo.Addr()))

	conn, err := net.Dial("tcp", s.Addr().String())
	rtx.Must(err, "could not dial proxy")
	_, err = conn.Write([]byte("hello"))
	rtx.Must(err, "could not write")
	b := make([]byte, 5)
	_, err = io.ReadFull(conn, b)
	rtx.Must(err, "could not read")
	waitFor(t, func() bool {
		infos := s.Sessions()
		return len(infos) == 1 && infos[0].Telemetry.C2SBytes == 5
	})

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest("GET", "/sessions", nil))
	assert.Equal(t, "application/json", rw.Header().Get("Content-Type"))
	var infos []Info
	rtx.Must(json.Unmarshal(rw.Body.Bytes(), &infos), "could not decode %s", rw.Body.String())
	require.Len(t, infos, 1)
	assert.NotEmpty(t, infos[0].ID)
	assert.Equal(t, infos[0].ID, infos[0].Telemetry.ID)
	assert.Equal(t, echo.Addr(), infos[0].ServerRemote)
	assert.Equal(t, conn.LocalAddr().String(), infos[0].ClientRemote)
	assert.Equal(t, int64(5), infos[0].Telemetry.C2SBytes)

	conn.Close()
	cancel()
	s.Wait()
	assert.Empty(t, s.Sessions())
}

func TestServerSessionTimeout(t *testing.T) {
	echo, err := proxytest.NewEchoServer()
	rtx.Must(err, "could not start upstream")
	defer echo.Close()
	cfg := testConfig(t, echo.Addr())
	cfg.SessionTimeout = 100 * time.Millisecond
	s, cancel := startServer(t, cfg)
	defer s.Wait()
	defer cancel()
	before := testutil.ToFloat64(metrics.SessionCount.WithLabelValues(ResultTimeout))

	conn, err := net.Dial("tcp", s.Addr().String())
	rtx.Must(err, "could not dial proxy")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadAll(conn)
	rtx.Must(err, "the session did not time out")
	waitFor(t, func() bool {
		return testutil.ToFloat64(metrics.SessionCount.WithLabelValues(ResultTimeout)) == before+1
	})
}

func TestServerRemoteTermination(t *testing.T) {
	echo, err := proxytest.NewEchoServer()
	rtx.Must(err, "could not start upstream")
	defer echo.Close()
	cfg := testConfig(t, echo.Addr())
	cfg.Store = &fakeStore{terminate: true}
	s, cancel := startServer(t, cfg)
	defer s.Wait()
	defer cancel()
	before := testutil.ToFloat64(metrics.SessionCount.WithLabelValues(ResultTerminated))

	conn, err := net.Dial("tcp", s.Addr().String())
	rtx.Must(err, "could not dial proxy")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadAll(conn)
	rtx.Must(err, "the session was not terminated")
	waitFor(t, func() bool {
		return testutil.ToFloat64(metrics.SessionCount.WithLabelValues(ResultTerminated)) == before+1
	})
}

func TestResolveUpstream(t *testing.T) {
	assert.Equal(t, "tcp-server", ResolveUpstream("tcp-server", ""))
	assert.Equal(t, "localhost", ResolveUpstream("localhost", "fallback"))
	assert.Equal(t, "localhost", ResolveUpstream("no-such-host.invalid", "localhost"))
}
