package logging

import (
	"bytes"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apex/log/handlers/json"
	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/rtx"
)

type fakeHandler struct{}

func (s *fakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(200)
}

func TestMakeAccessLogHandler(t *testing.T) {
	buff := &bytes.Buffer{}
	old := log.Writer()
	defer func() {
		log.SetOutput(old)
	}()
	log.SetOutput(buff)
	f := MakeAccessLogHandler(&fakeHandler{})
	log.SetOutput(old)
	srv := http.Server{
		Addr:    ":0",
		Handler: f,
	}
	rtx.Must(httpx.ListenAndServeAsync(&srv), "Could not start server")
	defer srv.Close()
	_, err := http.Get("http://" + srv.Addr + "/")
	rtx.Must(err, "Could not get")
	s, err := buff.ReadString('\n')
	if s == "" {
		t.Error("We should not have had an empty string")
	}
}

func TestRotateTo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.log")
	defer func() {
		Logger.Handler = json.New(os.Stderr)
	}()
	closer := RotateTo(path, 1)
	Logger.WithField("session", "abc").Info("rotated")
	rtx.Must(closer.Close(), "Could not close rotated log")
	b, err := os.ReadFile(path)
	rtx.Must(err, "Could not read rotated log")
	if !strings.Contains(string(b), `"session":"abc"`) {
		t.Errorf("rotated log missing entry: %q", string(b))
	}
}
