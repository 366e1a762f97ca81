package platformx

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/m-lab/go/rtx"
)

func TestMissingAlgorithms(t *testing.T) {
	dir := t.TempDir()
	sys := filepath.Join(dir, "sys", "net", "ipv4")
	rtx.Must(os.MkdirAll(sys, 0755), "could not create fake procfs")
	rtx.Must(os.WriteFile(filepath.Join(sys, "tcp_available_congestion_control"), []byte("reno cubic bbr\n"), 0644), "could not write sysctl")

	missing, err := MissingAlgorithms(dir, []string{"bbr", "cubic", "reno", "westwood"})
	rtx.Must(err, "could not read sysctl")
	if !reflect.DeepEqual(missing, []string{"westwood"}) {
		t.Errorf("MissingAlgorithms() = %v, want [westwood]", missing)
	}

	_, err = MissingAlgorithms(filepath.Join(dir, "nope"), nil)
	if err == nil {
		t.Error("MissingAlgorithms() with a bad procfs should fail")
	}
}

func TestWarnIfNotFullySupported(t *testing.T) {
	// Only logs.
	WarnIfNotFullySupported("reno")
}
