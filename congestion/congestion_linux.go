package congestion

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
	pipe "gopkg.in/m-lab/pipe.v3"

	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/tcpinfox"
)

const sysctlName = "net.ipv4.tcp_congestion_control"

type linux struct {
	scope   Scope
	procDir string
	info    InfoReader
	sockets []SocketSetter
	// setHost applies an algorithm host wide; replaced in tests.
	setHost func(name string) error
}

func newPlatform(cfg Config, info InfoReader, sockets []SocketSetter) Controller {
	procDir := cfg.ProcPath
	if procDir == "" {
		procDir = procfs.DefaultMountPoint
	}
	l := &linux{
		scope:   cfg.Scope,
		procDir: procDir,
		info:    info,
		sockets: sockets,
	}
	l.setHost = l.sysctl
	return l
}

func (l *linux) CongestionWindow() (int, error) {
	if l.info == nil {
		return 0, ErrNoSupport
	}
	ti, err := l.info.ReadInfo()
	if err != nil {
		return 0, err
	}
	return tcpinfox.CongestionWindow(&ti), nil
}

func (l *linux) SetAlgorithm(name string) error {
	if l.scope == ScopeSocket {
		var errs []error
		for _, s := range l.sockets {
			if err := s.SetCongestionControl(name); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return l.setHost(name)
}

// sysctl switches the host algorithm and reads it back, since sysctl may
// exit successfully without applying an unknown algorithm.
func (l *linux) sysctl(name string) error {
	out, err := pipe.CombinedOutput(pipe.Exec("sysctl", "-w", sysctlName+"="+name))
	if err != nil {
		logging.Logger.WithError(err).WithField("output", string(out)).Warn("sysctl failed")
		return err
	}
	cur, err := l.Current()
	if err != nil {
		return err
	}
	if cur != name {
		return fmt.Errorf("%s is %q after setting %q", sysctlName, cur, name)
	}
	return nil
}

func (l *linux) Current() (string, error) {
	fs, err := procfs.NewFS(l.procDir)
	if err != nil {
		return "", err
	}
	values, err := fs.SysctlStrings(sysctlName)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", fmt.Errorf("%s is empty", sysctlName)
	}
	return values[0], nil
}

func (l *linux) Supported() bool { return true }
