// Command master runs the CSC master daemon: it accepts capture
// requests over HTTP, quiesces its own preview stream, drives the
// slave through the UDP/HTTP control protocol, and records frames in
// lock-step with it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldcam/camsync/internal/camerapipeline"
	"github.com/fieldcam/camsync/internal/capture"
	"github.com/fieldcam/camsync/internal/clockprobe"
	"github.com/fieldcam/camsync/internal/config"
	"github.com/fieldcam/camsync/internal/history"
	"github.com/fieldcam/camsync/internal/ledger"
	"github.com/fieldcam/camsync/internal/servicelog"
	"github.com/fieldcam/camsync/internal/simsensor"
	"github.com/fieldcam/camsync/internal/slavecontrol"
	"github.com/fieldcam/camsync/internal/stream"
)

var configPath = flag.String("config", "master.json", "path to the master configuration file")

type program struct {
	cfg    config.Config
	logger servicelog.Logger

	cancel context.CancelFunc
	server *http.Server
}

func main() {
	flag.Parse()

	svcConfig := &service.Config{
		Name:        "camsync-master",
		DisplayName: "CamSync Master",
		Description: "Time-synchronized capture master daemon",
	}

	prg := &program{}
	svc, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "service setup failed:", err)
		os.Exit(1)
	}

	errs := make(chan error, 8)
	svcLogger, err := svc.Logger(errs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "service logger unavailable:", err)
	}
	go func() {
		for err := range errs {
			fmt.Fprintln(os.Stderr, err)
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}
	prg.cfg = cfg
	prg.logger = servicelog.New(svcLogger, filepath.Join(cfg.LogFolder, "master.log"), cfg.Debug)

	if len(os.Args) > 1 {
		if err := service.Control(svc, os.Args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := svc.Run(); err != nil {
		prg.logger.Error("service run failed", servicelog.Error(err))
		os.Exit(1)
	}
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.server.Shutdown(shutdownCtx)
	}
	return nil
}

func (p *program) run(ctx context.Context) {
	cfg := p.cfg
	logger := p.logger

	if err := os.MkdirAll(cfg.CaptureDir, 0o755); err != nil {
		logger.Fatal("cannot create capture dir", servicelog.Error(err))
	}

	var power camerapipeline.PowerPin
	if cfg.PowerCyclePin != "" {
		pin, err := camerapipeline.OpenPowerPin(cfg.PowerCyclePin)
		if err != nil {
			logger.Warn("PWDN pin unavailable, continuing without power-cycle", servicelog.Error(err))
		} else {
			power = pin
		}
	}

	sensor := simsensor.New()
	pipeline := camerapipeline.New(logger, sensor, power, 50*time.Millisecond)
	if err := pipeline.Initialize(camerapipeline.FormatJPEG, camerapipeline.DefaultSize); err != nil {
		logger.Fatal("initial camera init failed", servicelog.Error(err))
	}

	mjpeg := stream.NewMJPEGHandler(logger)
	supervisor := stream.New(logger, pipeline, mjpeg, 100*time.Millisecond)
	go supervisor.Run(ctx)

	journal, err := history.Open(logger, cfg.HistoryFolder)
	if err != nil {
		logger.Error("history journal unavailable", servicelog.Error(err))
	}
	if journal != nil {
		defer journal.Close()
	}

	store, err := ledger.Open(logger, cfg.LedgerDriver, cfg.LedgerDSN)
	if err != nil {
		logger.Error("ledger unavailable", servicelog.Error(err))
	}
	if store != nil {
		defer store.Close()
	}

	slaveTarget := cfg.SlaveUDPAddr
	var slaveClient *slavecontrol.Client
	var preparer *slavecontrol.Preparer
	if slaveTarget != "" {
		c, err := slavecontrol.Dial(logger, slaveTarget)
		if err != nil {
			logger.Warn("could not dial slave control socket", servicelog.Error(err))
		} else {
			slaveClient = c
			defer c.Close()
		}
	}
	if cfg.SlaveHTTPURL != "" {
		preparer = slavecontrol.NewPreparer(logger, cfg.SlaveHTTPURL, time.Duration(cfg.SlaveReadyTimeoutMs)*time.Millisecond)
	}

	orchCfg := capture.Config{
		SafetyMarginUs:     int64(cfg.SafetyMarginUs),
		ProbePingCount:     cfg.ProbePingCount,
		ProbePerAttempt:    300 * time.Millisecond,
		DropFrames:         cfg.DropFrames,
		SlavePrepareSettle: time.Duration(cfg.SlavePrepareSettleMs) * time.Millisecond,
		SlaveReadyTimeout:  time.Duration(cfg.SlaveReadyTimeoutMs) * time.Millisecond,
		SlaveReadyPoll:     time.Duration(cfg.SlaveReadyPollMs) * time.Millisecond,
		StartRetries:       cfg.StartRetries,
		StartRetryDelay:    time.Duration(cfg.StartRetryDelayMs) * time.Millisecond,
		AllowSlaveMissing:  cfg.AllowSlaveMissing,
		CaptureDir:         cfg.CaptureDir,
		SlaveTarget:        slaveTarget,
	}
	prober := clockprobe.New(logger, nil, 32)
	deps := capture.Dependencies{
		Pipeline: pipeline,
		Stream:   supervisor,
		Prober:   prober,
	}
	if slaveClient != nil {
		deps.Slave = slaveClient
	}
	if preparer != nil {
		deps.Prepare = preparerAdapter{preparer}
	}
	orchestrator := capture.New(logger, orchCfg, deps, 2)
	go orchestrator.Run(ctx)

	if slaveTarget != "" {
		go monitorSlaveLink(ctx, logger, prober, slaveTarget, time.Minute)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/stream", mjpeg)
	mux.HandleFunc("/capture", captureHandler(logger, orchestrator, journal, store))

	p.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        mux,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	logger.Info("master listening", servicelog.Int("port", cfg.Port))
	if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server exited", servicelog.Error(err))
	}
}

type preparerAdapter struct {
	p *slavecontrol.Preparer
}

func (a preparerAdapter) Prepare(ctx context.Context, params capture.PrepareParams) error {
	return a.p.Prepare(ctx, slavecontrol.PrepareParams{
		Session:      params.Session,
		FrameCount:   params.FrameCount,
		FrameWidth:   params.FrameWidth,
		FrameHeight:  params.FrameHeight,
		PixelFormat:  params.PixelFormat,
		SensorParams: params.SensorParams,
	})
}
