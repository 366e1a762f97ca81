// adaptive-proxy relays TCP clients to a single upstream, capturing every
// relayed byte and adapting its transmission policy to the measured path.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"

	"github.com/m-lab/adaptive-proxy/access"
	"github.com/m-lab/adaptive-proxy/congestion"
	"github.com/m-lab/adaptive-proxy/logging"
	"github.com/m-lab/adaptive-proxy/platformx"
	"github.com/m-lab/adaptive-proxy/policy"
	"github.com/m-lab/adaptive-proxy/proxy"
	"github.com/m-lab/adaptive-proxy/redis"
)

var (
	// Flags that can be passed in on the command line
	listenAddr       = flag.String("listen_addr", ":8000", "The address and port clients connect to")
	upstreamHost     = flag.String("upstream_host", "localhost", "The upstream host every client is relayed to")
	upstreamPort     = flag.Int("upstream_port", 9000, "The upstream port every client is relayed to")
	upstreamFallback = flag.String("upstream_fallback_host", "", "The upstream host to use when upstream_host does not resolve")
	captureDir       = flag.String("capture_dir", "pcap", "The directory in which to write pcap files")
	logDir           = flag.String("log_dir", "logs", "The directory in which to write telemetry CSV files")
	logInterval      = flag.Duration("log_interval", 500*time.Millisecond, "The period of telemetry CSV rows")
	echoPhase        = flag.Bool("echo_phase", true, "Echo client bytes back once both directions are finished")
	sessionTimeout   = flag.Duration("session_timeout", 0, "Close sessions lasting longer than this; zero disables the limit")
	redisAddr        = flag.String("redis_addr", "", "The Redis server storing session snapshots and termination flags; empty disables it")
	debugAddr        = flag.String("debug_addr", "", "The address serving live sessions as JSON on /sessions; empty disables it")
	logFile          = flag.String("log_file", "", "Also write JSON logs to this size rotated file")
	txDevice         = flag.String("txcontroller.device", "eth0", "Calculate bytes transmitted from this device.")
	txMaxRate        = flag.Uint64("txcontroller.max-rate", 0, "Reject new clients while the device transmits more bits per second than this; zero disables the limit")
	rttProbe         = flagx.Enum{
		Options: []string{string(proxy.ProbeInband), string(proxy.ProbeKernel), string(proxy.ProbeNone)},
		Value:   string(proxy.ProbeInband),
	}
	ccScope = flagx.Enum{
		Options: []string{string(congestion.ScopeHost), string(congestion.ScopeSocket), string(congestion.ScopeNone)},
		Value:   string(congestion.ScopeHost),
	}

	// A metric to use to signal that the server is in lame duck mode.
	lameDuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lame_duck_experiment",
		Help: "Indicates when the server is in lame duck",
	})

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	flag.Var(&rttProbe, "rtt_probe", "How sessions measure RTT: inband (one byte echoed by the upstream), kernel (TCP_INFO) or none")
	flag.Var(&ccScope, "cc_scope", "Where congestion control changes apply: host (sysctl), socket (TCP_CONGESTION) or none")
}

func catchSigterm() {
	// Disable lame duck status.
	lameDuck.Set(0)

	// Register channel to receive SIGTERM events.
	c := make(chan os.Signal, 1)
	defer close(c)
	defer signal.Stop(c)
	signal.Notify(c, syscall.SIGTERM)

	// Wait until we receive a SIGTERM or the context is canceled.
	select {
	case <-c:
		logging.Logger.Info("Received SIGTERM")
	case <-ctx.Done():
		logging.Logger.Info("Canceled")
	}
	// Set lame duck status. This will remain set until exit.
	lameDuck.Set(1)
	// When we receive a second SIGTERM, cancel the context and shut everything
	// down. This should cause main() to exit cleanly.
	select {
	case <-c:
		logging.Logger.Info("Received SIGTERM")
		cancel()
	case <-ctx.Done():
		logging.Logger.Info("Canceled")
	}
}

// plainAccepter accepts every connection.
type plainAccepter struct{}

func (plainAccepter) Accept(l net.Listener) (net.Conn, error) {
	return l.Accept()
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	if *logFile != "" {
		defer warnonerror.Close(logging.RotateTo(*logFile, 0), "Could not close the log file")
	}
	platformx.WarnIfNotFullySupported(policy.Algorithms()...)

	promServer := prometheusx.MustServeMetrics()
	defer warnonerror.Close(promServer, "Could not close the metrics server")

	go catchSigterm()

	scope, err := congestion.ParseScope(ccScope.Value)
	rtx.Must(err, "Bad -cc_scope")
	host := proxy.ResolveUpstream(*upstreamHost, *upstreamFallback)
	cfg := proxy.Config{
		UpstreamAddr:   net.JoinHostPort(host, strconv.Itoa(*upstreamPort)),
		CaptureDir:     *captureDir,
		LogDir:         *logDir,
		LogInterval:    *logInterval,
		Probe:          proxy.ProbeMode(rttProbe.Value),
		Scope:          scope,
		Echo:           *echoPhase,
		SessionTimeout: *sessionTimeout,
	}
	if *redisAddr != "" {
		rc := redis.NewClient(*redisAddr)
		defer warnonerror.Close(rc, "Could not close the Redis client")
		cfg.Store = rc
	}

	var accepter proxy.Accepter = plainAccepter{}
	if *txMaxRate > 0 {
		tx, err := access.NewTxController(procfs.DefaultMountPoint, *txDevice, *txMaxRate)
		rtx.Must(err, "Could not create the tx controller")
		go tx.Watch(ctx)
		accepter = tx
	}

	srv := proxy.NewServer(cfg)
	rtx.Must(srv.ListenAndServe(ctx, *listenAddr, accepter), "Could not start the proxy")
	defer srv.Wait()

	if *debugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/sessions", srv)
		debugServer := &http.Server{
			Addr:    *debugAddr,
			Handler: logging.MakeAccessLogHandler(mux),
		}
		rtx.Must(httpx.ListenAndServeAsync(debugServer), "Could not start the debug server")
		defer warnonerror.Close(debugServer, "Could not close the debug server")
	}

	<-ctx.Done()
}
