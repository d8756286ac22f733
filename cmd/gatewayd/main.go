// Package main is the entry point for the gateway daemon: it loads
// configuration, wires the frame bus, endpoint pools, driver
// supervisors, and the north-bound bridges together, then blocks until
// a shutdown signal drains everything in order.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/gateway-rust-go/internal/bridge/mqttpub"
	"github.com/nugget/gateway-rust-go/internal/bridge/wsapi"
	"github.com/nugget/gateway-rust-go/internal/buildinfo"
	"github.com/nugget/gateway-rust-go/internal/config"
	"github.com/nugget/gateway-rust-go/internal/driver"
	"github.com/nugget/gateway-rust-go/internal/endpointkit"
	"github.com/nugget/gateway-rust-go/internal/framebus"
	"github.com/nugget/gateway-rust-go/internal/gwmetrics"
	"github.com/nugget/gateway-rust-go/internal/historian"

	_ "github.com/nugget/gateway-rust-go/internal/drivers/modbus"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("starting gatewayd", "build", buildinfo.String())

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "endpoints", len(cfg.Endpoints), "drivers", len(cfg.Drivers))

	registry := gwmetrics.New()
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(buildinfo.RuntimeInfo())
		})
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Metrics.Address, cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server listening", "addr", metricsServer.Addr)
	}

	dialers := map[endpointkit.Scheme]endpointkit.Dialer{
		endpointkit.SchemeTCP: tcpDialer,
		endpointkit.SchemeUDP: udpDialer,
	}

	factory := endpointkit.NewEndpointFactory(endpointkit.DefaultPoolConfig(), dialers, gwmetrics.NewEndpointAdapter(registry))

	busCfg := framebus.DefaultConfig()
	if cfg.FrameBus.RingPow != 0 {
		busCfg.RingPow = cfg.FrameBus.RingPow
	}
	if cfg.FrameBus.PauseHi != 0 {
		busCfg.PauseHi = cfg.FrameBus.PauseHi
	}
	if cfg.FrameBus.ResumeLo != 0 {
		busCfg.ResumeLo = cfg.FrameBus.ResumeLo
	}
	if cfg.FrameBus.WALDir != "" {
		busCfg.WALDir = cfg.FrameBus.WALDir
	}
	if cfg.FrameBus.WALFlushInterval != "" {
		busCfg.WALFlushInterval = cfg.FrameBus.FlushInterval()
	}
	if cfg.FrameBus.WALMaxBytes != 0 {
		busCfg.WALMaxBytes = cfg.FrameBus.WALMaxBytes
	}
	if cfg.FrameBus.MaxSegmentBytes != 0 {
		busCfg.MaxSegmentBytes = cfg.FrameBus.MaxSegmentBytes
	}
	busCfg.HighPerformanceMode = cfg.FrameBus.HighPerformanceMode

	bus, err := framebus.New(busCfg, factory, gwmetrics.NewBusAdapter(registry))
	if err != nil {
		logger.Error("failed to open frame bus", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go gcLoop(ctx, bus, logger)

	pub := framebus.NewPublisher(bus)

	supervisors := startDrivers(ctx, cfg, factory, pub, registry, logger)

	var mqttBridge *mqttpub.Bridge
	if cfg.MQTT != nil {
		mqttBridge = mqttpub.New(*cfg.MQTT, bus, logger, gwmetrics.NewMQTTAdapter(registry))
		// Start blocks until ctx is cancelled, so it runs in the background.
		go func() {
			if err := mqttBridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed to start", "error", err)
			}
		}()
		logger.Info("mqtt bridge started", "broker", cfg.MQTT.Broker)
	}

	var wsBridge *wsapi.Bridge
	if cfg.WSAPI != nil {
		wsBridge = wsapi.New(*cfg.WSAPI, bus, logger)
		if err := wsBridge.Start(ctx); err != nil {
			logger.Error("wsapi bridge failed to start", "error", err)
		} else {
			logger.Info("wsapi bridge started", "addr", fmt.Sprintf("%s:%d", cfg.WSAPI.Address, cfg.WSAPI.Port))
		}
	}

	var hist *historian.Historian
	if cfg.Historian != nil {
		hist, err = historian.New(*cfg.Historian, bus, logger)
		if err != nil {
			logger.Error("historian failed to open", "error", err)
		} else {
			hist.Start(ctx)
			logger.Info("historian archiving started", "path", cfg.Historian.Path)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for id, s := range supervisors {
		logger.Info("shutting down driver", "driver", id)
		s.Shutdown(shutdownCtx)
	}
	if mqttBridge != nil {
		mqttBridge.Stop(shutdownCtx)
	}
	if wsBridge != nil {
		wsBridge.Stop(shutdownCtx)
	}
	if hist != nil {
		if err := hist.Stop(); err != nil {
			logger.Error("historian shutdown error", "error", err)
		}
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	if err := bus.Close(); err != nil {
		logger.Error("frame bus close error", "error", err)
	}

	logger.Info("gatewayd stopped")
}

// startDrivers constructs and runs one supervisor per enabled entry in
// cfg.Drivers, resolving each entry's named endpoint to its configured
// URL before handing it to the supervisor. Disabled entries and entries
// naming an unregistered driver_type are logged and skipped rather than
// treated as fatal, since one bad driver shouldn't take the rest of the
// gateway down with it.
func startDrivers(ctx context.Context, cfg *config.Config, factory *endpointkit.EndpointFactory, pub *framebus.Publisher, registry *gwmetrics.Registry, logger *slog.Logger) map[string]*driver.Supervisor {
	supervisors := make(map[string]*driver.Supervisor)

	for id, dcfg := range cfg.Drivers {
		if !dcfg.Enabled {
			logger.Info("driver disabled, skipping", "driver", id)
			continue
		}

		ep, ok := cfg.Endpoints[dcfg.Endpoint]
		if !ok {
			logger.Error("driver references unknown endpoint, skipping", "driver", id, "endpoint", dcfg.Endpoint)
			continue
		}

		drv, err := driver.New(dcfg.DriverType)
		if err != nil {
			logger.Error("unregistered driver_type, skipping", "driver", id, "driver_type", dcfg.DriverType, "error", err)
			continue
		}

		scfg := driver.DefaultSupervisorConfig()
		if dcfg.Retry > 0 {
			scfg.MaxRestarts = dcfg.Retry
		}

		initCfg := make(map[string]any, len(dcfg.Config)+1)
		for k, v := range dcfg.Config {
			initCfg[k] = v
		}
		if _, ok := initCfg["polling"]; !ok && dcfg.Polling != "" {
			initCfg["polling"] = dcfg.Polling
		}

		sup := driver.NewSupervisor(id, drv, ep.URL, initCfg, factory, pub, scfg, gwmetrics.NewDriverAdapter(registry))
		supervisors[id] = sup

		go sup.Run(ctx)
		logger.Info("driver started", "driver", id, "driver_type", dcfg.DriverType, "endpoint", ep.URL)
	}

	return supervisors
}

// gcLoop periodically reclaims WAL segments and ring slots behind the
// slowest subscriber's cursor. framebus.New only opens/recovers the WAL;
// scheduling GC is the caller's responsibility.
func gcLoop(ctx context.Context, bus *framebus.Bus, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bus.GC(); err != nil {
				logger.Error("frame bus gc failed", "error", err)
			}
		}
	}
}

// tcpDialer is the stdlib net.Dial-based Dialer for endpointkit.SchemeTCP.
// No third-party TCP dialing library appears anywhere in the example
// pack; endpointkit's own tests fake dialers the same way, over net.Conn.
func tcpDialer(ctx context.Context, u endpointkit.EndpointURL) (endpointkit.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", hostPort(u))
}

func udpDialer(ctx context.Context, u endpointkit.EndpointURL) (endpointkit.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", hostPort(u))
}

func hostPort(u endpointkit.EndpointURL) string {
	port := uint16(0)
	if u.Port != nil {
		port = *u.Port
	}
	return net.JoinHostPort(u.Host, fmt.Sprintf("%d", port))
}
