package telemetry

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFileName(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "session", want: "logs/session_1700000000123.csv"},
		{prefix: "session.csv", want: "logs/session_1700000000123.csv"},
		{prefix: "a/b/c.csv", want: "logs/c_1700000000123.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, LogFileName("logs", tt.prefix, ts))
		})
	}
}

func readRows(t *testing.T, dir string) [][]string {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	rtx.Must(err, "could not glob")
	require.Len(t, matches, 1)
	fp, err := os.Open(matches[0])
	rtx.Must(err, "could not open %s", matches[0])
	defer fp.Close()
	rows, err := csv.NewReader(fp).ReadAll()
	rtx.Must(err, "could not parse %s", matches[0])
	return rows
}

func TestStartBackgroundLogging(t *testing.T) {
	dir := t.TempDir()
	tm := New(Config{
		ID:        "abc",
		Prober:    &fakeProber{rtt: 2 * time.Millisecond},
		Algorithm: "TEST",
	})
	tm.SetBufferSize(4096)
	tm.RecordBytes(ClientToServer, 100)

	rtx.Must(tm.StartBackgroundLogging(dir, "session", 10*time.Millisecond), "could not start")
	// Already running.
	rtx.Must(tm.StartBackgroundLogging(dir, "other", 10*time.Millisecond), "second start failed")
	time.Sleep(100 * time.Millisecond)
	tm.Close()
	tm.Wait()

	rows := readRows(t, dir)
	require.GreaterOrEqual(t, len(rows), 3)
	assert.Equal(t, Header, rows[0])
	for _, row := range rows[1:] {
		require.Len(t, row, len(Header))
		assert.Equal(t, "100", row[1])
		assert.Equal(t, "0", row[2])
		assert.Equal(t, "2000", row[3])
		assert.Equal(t, StatusOK, row[6])
		assert.Equal(t, "TEST", row[7])
		assert.Equal(t, "4096", row[8])
	}
	// The first row starts the throughput window.
	assert.Equal(t, "0", rows[1][5])
}

func TestStartBackgroundLoggingProbeFailure(t *testing.T) {
	dir := t.TempDir()
	tm := New(Config{})
	rtx.Must(tm.StartBackgroundLogging(dir, "session", 10*time.Millisecond), "could not start")
	time.Sleep(30 * time.Millisecond)
	tm.Close()
	tm.Wait()

	rows := readRows(t, dir)
	require.GreaterOrEqual(t, len(rows), 2)
	assert.Equal(t, "1000", rows[1][3])
	assert.Equal(t, StatusFail, rows[1][6])
}

func TestStartBackgroundLoggingClosed(t *testing.T) {
	dir := t.TempDir()
	tm := New(Config{})
	tm.Close()
	rtx.Must(tm.StartBackgroundLogging(dir, "session", 10*time.Millisecond), "start after close")
	tm.Wait()
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	rtx.Must(err, "could not glob")
	assert.Empty(t, matches)
}

func TestStartBackgroundLoggingBadDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	rtx.Must(os.WriteFile(file, nil, 0644), "could not create file")
	tm := New(Config{})
	defer tm.Close()
	assert.Error(t, tm.StartBackgroundLogging(file, "session", 10*time.Millisecond))
}

func TestStopBackgroundLogging(t *testing.T) {
	dir := t.TempDir()
	tm := New(Config{})
	defer tm.Close()
	rtx.Must(tm.StartBackgroundLogging(dir, "session", 10*time.Millisecond), "could not start")
	tm.StopBackgroundLogging()
	tm.Wait()
	assert.True(t, tm.Alive(), "stopping the logger keeps the session alive")
	rows := readRows(t, dir)
	assert.Equal(t, Header, rows[0])
}
