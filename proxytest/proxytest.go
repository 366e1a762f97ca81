// Package proxytest provides an in-process upstream for tests of the
// proxy: a TCP server echoing every byte it receives.
package proxytest

import (
	"io"
	"net"
	"sync"

	"github.com/m-lab/adaptive-proxy/logging"
)

// EchoServer echoes every connection back to its sender until the sender
// half closes, then closes the connection.
type EchoServer struct {
	ln net.Listener
	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	count int
}

// NewEchoServer starts an EchoServer on a random loopback port.
func NewEchoServer() (*EchoServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	e := &EchoServer{
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
	}
	e.wg.Add(1)
	go e.serve()
	return e, nil
}

// Addr returns the host:port the server listens on.
func (e *EchoServer) Addr() string {
	return e.ln.Addr().String()
}

// Accepted returns the number of connections accepted so far.
func (e *EchoServer) Accepted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *EchoServer) serve() {
	defer e.wg.Done()
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conns[conn] = struct{}{}
		e.count++
		e.mu.Unlock()
		e.wg.Add(1)
		go e.echo(conn)
	}
}

func (e *EchoServer) echo(conn net.Conn) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
		conn.Close()
	}()
	if _, err := io.Copy(conn, conn); err != nil {
		logging.Logger.WithError(err).Debug("proxytest: echo stopped")
	}
}

// Close stops the server, closes open connections and waits for every
// goroutine to return.
func (e *EchoServer) Close() error {
	err := e.ln.Close()
	e.mu.Lock()
	for c := range e.conns {
		c.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return err
}
