// Command slave runs the CSC slave daemon: it answers clock probes
// and READY/START control datagrams, and exposes the HTTP
// capture-prepare endpoint the master drives before every capture.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldcam/camsync/internal/camerapipeline"
	"github.com/fieldcam/camsync/internal/capture"
	"github.com/fieldcam/camsync/internal/clockprobe"
	"github.com/fieldcam/camsync/internal/config"
	"github.com/fieldcam/camsync/internal/httpparams"
	"github.com/fieldcam/camsync/internal/servicelog"
	"github.com/fieldcam/camsync/internal/simsensor"
	"github.com/fieldcam/camsync/internal/stream"
	"github.com/fieldcam/camsync/internal/syncserver"
)

var knownPrepareParams = map[string]bool{
	"session": true, "frame_count": true, "framesize": true, "pixel_format": true,
}

var configPath = flag.String("config", "slave.json", "path to the slave configuration file")

type program struct {
	cfg    config.Config
	logger servicelog.Logger

	cancel  context.CancelFunc
	server  *http.Server
	syncSrv *syncserver.Server
}

func main() {
	flag.Parse()

	svcConfig := &service.Config{
		Name:        "camsync-slave",
		DisplayName: "CamSync Slave",
		Description: "Time-synchronized capture slave daemon",
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
	prg.logger = servicelog.New(svcLogger, filepath.Join(cfg.LogFolder, "slave.log"), cfg.Debug)

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
	if p.syncSrv != nil {
		p.syncSrv.Close()
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

	engine := capture.NewEngine(logger, pipeline, supervisor, cfg.DropFrames, cfg.CaptureDir, clockprobe.MonotonicMicros)

	probeAddr := fmt.Sprintf(":%d", cfg.ProbePort)
	syncSrv, err := syncserver.Listen(logger, probeAddr, engine, clockprobe.MonotonicMicros)
	if err != nil {
		logger.Fatal("cannot bind sync server", servicelog.Error(err))
	}
	p.syncSrv = syncSrv
	go syncSrv.Serve()
	defer syncSrv.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/stream", mjpeg)
	mux.HandleFunc("/prepare", prepareHandler(logger, engine))

	p.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        mux,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	logger.Info("slave listening", servicelog.Int("httpPort", cfg.Port), servicelog.Int("udpPort", cfg.ProbePort))
	if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server exited", servicelog.Error(err))
	}
}

func prepareHandler(logger servicelog.Logger, engine *capture.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		format, err := httpparams.ParseFormat(r.Form.Get("pixel_format"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		size, err := httpparams.ParseSize(r.Form.Get("framesize"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		frameCount, err := strconv.Atoi(r.Form.Get("frame_count"))
		if err != nil || frameCount < 1 {
			http.Error(w, "invalid frame_count", http.StatusBadRequest)
			return
		}

		req := capture.Request{
			Session:      r.Form.Get("session"),
			FrameCount:   frameCount,
			Format:       format,
			Size:         size,
			SensorParams: map[string]string{},
		}
		for key, values := range r.Form {
			if knownPrepareParams[key] || len(values) == 0 {
				continue
			}
			req.SensorParams[key] = values[0]
		}

		if err := engine.Prepare(r.Context(), req); err != nil {
			logger.Warn("prepare rejected", servicelog.Error(err))
			status := http.StatusInternalServerError
			if err == capture.ErrSlotBusy {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		fmt.Fprint(w, "OK")
	}
}
