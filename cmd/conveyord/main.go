// Command conveyord is the print-dispatch daemon: it watches for attached
// printers, accepts RPC connections from clients, and drives slicing and
// printing through the Server Core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyor-project/conveyord/config"
	"github.com/conveyor-project/conveyord/daemon"
	"github.com/conveyor-project/conveyord/detect"
	"github.com/conveyor-project/conveyord/domain"
	"github.com/conveyor-project/conveyord/event"
	"github.com/conveyor-project/conveyord/firmware"
	"github.com/conveyor-project/conveyord/hwqueue"
	"github.com/conveyor-project/conveyord/observability"
	"github.com/conveyor-project/conveyord/recipe"
	"github.com/conveyor-project/conveyord/rpc"
	"github.com/conveyor-project/conveyord/server"
	"github.com/conveyor-project/conveyord/session"
	"github.com/conveyor-project/conveyord/slicer"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to conveyord config file (required)")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: conveyord -config <file>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	pidFile, err := daemon.AcquirePIDFile(cfg.PidFile)
	if err != nil {
		logger.Error("failed to acquire pid file", slog.String("error", err.Error()))
		os.Exit(daemon.ExitCode(err))
	}
	defer pidFile.Release()

	runErr := daemon.Run(logger, func(ctx context.Context) error {
		return run(ctx, logger, cfg)
	})

	os.Exit(daemon.ExitCode(runErr))
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	bus := event.NewBus(logger)
	go bus.Run()
	defer bus.Quit()

	hwq := hwqueue.New(logger)
	go hwq.Run()
	defer hwq.Stop()

	promReg := prometheus.NewRegistry()
	observer := observability.NewMultiObserver(
		observability.NewSlogObserver(logger),
		observability.NewPrometheusObserver(promReg),
	)

	// detector is assigned below, after srv and its handler exist; srv's
	// onEvict hook only needs the method value, not a constructed Detector.
	var detector *detect.Detector
	srv := server.New(logger, func(portName string) { detector.Blacklist(portName) })
	srv.SetObserver(observer)

	handler := &attachHandler{log: logger, srv: srv, hwqueue: hwq}
	detector = detect.New(logger, detect.NewDirLister("/dev/serial/by-id", "*"), handler, cfg.Detect.PollInterval, cfg.Detect.BlacklistTTL, cfg.Detect.BlacklistSize)

	catalog, err := newFirmwareCatalog(ctx, cfg.Firmware)
	if err != nil {
		return fmt.Errorf("build firmware catalog: %w", err)
	}

	binSlicer := slicer.NewExecSlicer(logger, "/usr/bin/miracle_grue", "/etc/conveyord/miracle.conf", slicer.MiracleGrueArgs)
	recipes := recipe.NewBuilder(bus, logger, binSlicer, nil)

	profiles := func(name string) (domain.Profile, error) {
		return domain.Profile{}, fmt.Errorf("profile lookup not configured: %s", name)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWebsocket(logger, cfg, w, r, srv, recipes, catalog, profiles)
	})

	httpServer := &http.Server{Addr: cfg.RPC.ListenAddr, Handler: mux}

	go detector.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listener starting", slog.String("addr", cfg.RPC.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return httpServer.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func serveWebsocket(logger *slog.Logger, cfg *config.Config, w http.ResponseWriter, r *http.Request, srv *server.Server, recipes *recipe.Builder, catalog firmware.Catalog, profiles session.ProfileLookup) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := rpc.NewConn(logger, ws, cfg.Session.NotificationBufferSize)
	sess := session.New(logger, cfg.Session, conn, srv, recipes, catalog, profiles)
	if err := conn.Serve(sess.Handle); err != nil {
		logger.Debug("rpc connection ended", slog.String("session_id", sess.ID()), slog.String("error", err.Error()))
	}
	sess.Close()
}

func newFirmwareCatalog(ctx context.Context, cfg config.FirmwareConfig) (firmware.Catalog, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	store := firmware.NewS3ObjectStore(client, cfg.Bucket)
	return firmware.NewS3Catalog(store), nil
}

// attachHandler implements detect.Handler. No concrete device.Driver ships
// with this daemon — driving s3g/GCode over serial is explicitly out of
// scope — so attach/detach only log; a deployment wiring a real Driver
// hangs device.New(bus, log, ..., driver) plus srv.AppendPrinter off
// OnAttach here.
type attachHandler struct {
	log     *slog.Logger
	srv     *server.Server
	hwqueue *hwqueue.Queue
}

func (h *attachHandler) OnAttach(port detect.Port) {
	h.log.Warn("port attached but no hardware driver configured, ignoring",
		slog.String("port", port.PortName))
}

func (h *attachHandler) OnDetach(portName string) {
	h.srv.RemovePrinter(portName, false)
}
