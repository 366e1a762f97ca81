package congestion

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/tcp-info/tcp"
)

type fakeInfo struct {
	cwnd uint32
	err  error
}

func (f *fakeInfo) ReadInfo() (tcp.LinuxTCPInfo, error) {
	return tcp.LinuxTCPInfo{SndCwnd: f.cwnd}, f.err
}

type fakeSocket struct {
	algo string
	err  error
}

func (f *fakeSocket) SetCongestionControl(algo string) error {
	if f.err != nil {
		return f.err
	}
	f.algo = algo
	return nil
}

func fakeProc(t *testing.T, algo string) string {
	dir := t.TempDir()
	ipv4 := filepath.Join(dir, "sys", "net", "ipv4")
	rtx.Must(os.MkdirAll(ipv4, 0755), "Could not create fake procfs")
	rtx.Must(os.WriteFile(filepath.Join(ipv4, "tcp_congestion_control"), []byte(algo+"\n"), 0644),
		"Could not write fake sysctl")
	return dir
}

func TestLinuxCongestionWindow(t *testing.T) {
	c := New(Config{Scope: ScopeHost}, &fakeInfo{cwnd: 42})
	got, err := c.CongestionWindow()
	if err != nil || got != 42 {
		t.Errorf("CongestionWindow() = %d, %v; want 42", got, err)
	}
	c = New(Config{Scope: ScopeHost}, &fakeInfo{err: errors.New("closed")})
	if _, err := c.CongestionWindow(); err == nil {
		t.Error("CongestionWindow() should fail when TCP_INFO fails")
	}
	c = New(Config{Scope: ScopeHost}, nil)
	if _, err := c.CongestionWindow(); err != ErrNoSupport {
		t.Errorf("CongestionWindow() without socket = %v", err)
	}
}

func TestLinuxCurrent(t *testing.T) {
	c := New(Config{Scope: ScopeHost, ProcPath: fakeProc(t, "cubic")}, nil)
	if !c.Supported() {
		t.Error("linux controller should be supported")
	}
	got, err := c.Current()
	if err != nil || got != "cubic" {
		t.Errorf("Current() = %q, %v; want cubic", got, err)
	}
	if InitialLabel(c) != "CUBIC" {
		t.Errorf("InitialLabel() = %q", InitialLabel(c))
	}
	c = New(Config{Scope: ScopeHost, ProcPath: t.TempDir()}, nil)
	if _, err := c.Current(); err == nil {
		t.Error("Current() should fail without the sysctl file")
	}
}

func TestLinuxSetAlgorithmHost(t *testing.T) {
	c := New(Config{Scope: ScopeHost, ProcPath: fakeProc(t, "cubic")}, nil).(*linux)
	var got string
	c.setHost = func(name string) error {
		got = name
		return nil
	}
	rtx.Must(c.SetAlgorithm("westwood"), "SetAlgorithm failed")
	if got != "westwood" {
		t.Errorf("host setter received %q", got)
	}
}

func TestLinuxSetAlgorithmSocket(t *testing.T) {
	a, b := &fakeSocket{}, &fakeSocket{}
	c := New(Config{Scope: ScopeSocket}, nil, a, b)
	rtx.Must(c.SetAlgorithm("reno"), "SetAlgorithm failed")
	if a.algo != "reno" || b.algo != "reno" {
		t.Errorf("sockets not updated: %q %q", a.algo, b.algo)
	}
	bad := &fakeSocket{err: errors.New("not allowed")}
	c = New(Config{Scope: ScopeSocket}, nil, a, bad)
	if err := c.SetAlgorithm("bbr"); err == nil {
		t.Error("SetAlgorithm() should report the failing socket")
	}
	if a.algo != "bbr" {
		t.Errorf("healthy socket not updated: %q", a.algo)
	}
}
