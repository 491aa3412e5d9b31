// mirror: smart-mirror backend. Reads the camera, tracks face, hands and
// ArUco markers, walks the user through grooming routines and streams
// overlay messages to renderers over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-mirror/internal/config"
	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/aruco"
	arucocv "github.com/teslashibe/go-mirror/pkg/aruco/opencv"
	"github.com/teslashibe/go-mirror/pkg/camera"
	cameracv "github.com/teslashibe/go-mirror/pkg/camera/opencv"
	"github.com/teslashibe/go-mirror/pkg/cloudassist"
	"github.com/teslashibe/go-mirror/pkg/hub"
	"github.com/teslashibe/go-mirror/pkg/landmarks"
	landmarkscv "github.com/teslashibe/go-mirror/pkg/landmarks/opencv"
	"github.com/teslashibe/go-mirror/pkg/metrics"
	"github.com/teslashibe/go-mirror/pkg/pipeline"
	"github.com/teslashibe/go-mirror/pkg/settings"
	"github.com/teslashibe/go-mirror/pkg/speech"
	"github.com/teslashibe/go-mirror/pkg/task"
	"github.com/teslashibe/go-mirror/pkg/web"
	"golang.org/x/sync/errgroup"
)

var version = "0.3.0"

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	debug := flag.Bool("debug", false, "Enable debug logging and the request logger")
	envFile := flag.String("env", ".env", "Path to a .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)

	fmt.Println()
	fmt.Println("🪞 go-mirror v" + version)
	fmt.Printf("   Control:  http://localhost:%d\n", cfg.Port)
	fmt.Printf("   Overlay:  ws://localhost:%d/ws/mirror\n", cfg.Port)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *debug); err != nil {
		log.Error("mirror exited", "error", err)
		os.Exit(1)
	}
	log.Info("👋 shut down cleanly")
}

func run(ctx context.Context, cfg config.Config, debug bool) error {
	logger := log.Component("main")

	catalog, err := task.LoadCatalog(cfg.TasksPath)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	tasks := task.NewManager(catalog, task.WithCameraWaiver(cfg.WaiveGatesWithoutCamera))

	regions, err := landmarks.LoadRegions(cfg.FeaturesPath)
	if err != nil {
		logger.Warn("feature regions unavailable, using built-in table", "path", cfg.FeaturesPath, "error", err)
		regions = landmarks.DefaultRegions()
	}

	store := settings.NewStore(cfg.Settings)
	health := metrics.NewHealth()
	prom := metrics.New()

	h := hub.New("mirror", hub.WithOrigins(hub.NewOriginPolicy(cfg.AllowWSOrigins)))
	prom.WatchHub(h)

	detector := openLandmarks(cfg, logger)
	defer detector.Close()

	markerDet := arucocv.New()
	defer markerDet.Close()
	intr, intrErr := aruco.LoadIntrinsics(cfg.IntrinsicsPath)
	if intrErr != nil {
		logger.Info("camera intrinsics not loaded, pose disabled", "path", cfg.IntrinsicsPath, "error", intrErr)
	}
	markers := aruco.NewEstimator(markerDet, aruco.WithIntrinsics(intr, intrErr))
	health.Update(func(s *metrics.HealthSnapshot) {
		s.PoseAvailable = intr != nil
		if intrErr != nil {
			s.IntrinsicsError = intrErr.Error()
		}
		s.ReduceMotion = cfg.Settings.ReduceMotion
		s.Detectors = cfg.Settings.Detectors()
	})

	cloud := cloudassist.New(openProvider(ctx, cfg, logger),
		cloudassist.WithEnabled(cfg.Settings.UseCloud),
		cloudassist.WithLimits(cfg.Settings.CloudRPS, cfg.Settings.CloudTimeout(), cfg.Settings.CloudMinInterval()),
		cloudassist.WithObserver(prom.ObserveCloud),
	)

	var csv *metrics.CSVRecorder
	if cfg.LatencyCSV != "" {
		if csv, err = metrics.NewCSVRecorder(cfg.LatencyCSV, 0); err != nil {
			logger.Warn("latency log disabled", "path", cfg.LatencyCSV, "error", err)
			csv = nil
		}
	}

	var speaker speech.Speaker
	if cmd, err := speech.Detect(); err == nil {
		speaker = cmd
	} else {
		logger.Warn("no speech engine found, prompts will be silent", "error", err)
	}
	voice := speech.NewQueue(speaker)

	source := camera.NewWatchdog(camera.Open(cfg.Camera, cameracv.New, nil), cfg.Camera, nil)

	opts := []pipeline.Option{
		pipeline.WithRegions(regions),
		pipeline.WithMarkers(markers),
		pipeline.WithCloud(cloud),
		pipeline.WithSettings(store),
		pipeline.WithHealth(health),
		pipeline.WithMetrics(prom),
		pipeline.WithPreview(pipeline.DefaultPreviewEvery, cfg.Camera.Quality),
	}
	if csv != nil {
		opts = append(opts, pipeline.WithCSV(csv))
	}
	loop := pipeline.New(source, detector, tasks, h, opts...)

	cameras := camera.NewManager(cfg.Camera)
	cameras.OnConfigChange = func(next camera.Config) error {
		logger.Info("camera config changed, reopening", "width", next.Width, "height", next.Height, "fps", next.Framerate)
		loop.SwapSource(camera.NewWatchdog(camera.Open(next, cameracv.New, nil), next, nil))
		return nil
	}

	server := web.NewServer(fmt.Sprintf(":%d", cfg.Port), tasks, h,
		web.WithSettings(store),
		web.WithHealth(health),
		web.WithSpeech(voice),
		web.WithCamera(cameras),
		web.WithMetrics(prom),
		web.WithGates(loop.Gates),
		web.WithPreview(loop.Preview),
		web.WithRequestLog(debug),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(ctx) })
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return cloud.Run(ctx) })
	g.Go(func() error { return voice.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	if csv != nil {
		g.Go(func() error { return csv.Run(ctx) })
	}
	if cfg.TasksPath != "" {
		g.Go(func() error {
			err := catalog.Watch(ctx, cfg.TasksPath, nil)
			if err != nil {
				// Hot reload is optional; the catalog already loaded.
				logger.Warn("tasks watcher stopped", "error", err)
			}
			return nil
		})
	}

	logger.Info("mirror running",
		"tasks", catalog.Len(),
		"landmarks", detector.Name(),
		"speech", voice.Engine(),
		"cloud", cloud.Enabled(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openLandmarks picks a backend: the MediaPipe bridge, then YuNet, then
// synthetic landmarks.
func openLandmarks(cfg config.Config, logger *slog.Logger) landmarks.Detector {
	backend := cfg.LandmarkBackend
	if backend == "auto" || backend == "mediapipe" {
		mp, err := landmarks.NewMediaPipe(nil)
		if err == nil {
			return mp
		}
		logger.Warn("mediapipe bridge unavailable", "error", err)
	}
	if backend == "auto" || backend == "yunet" {
		ycfg := landmarkscv.DefaultConfig()
		ycfg.ModelPath = cfg.YuNetModel
		yn, err := landmarkscv.NewYuNet(ycfg)
		if err == nil {
			return yn
		}
		logger.Warn("yunet unavailable", "error", err)
	}
	logger.Warn("using synthetic landmarks")
	return landmarks.NewSynthetic()
}

// openProvider returns the Cloud Vision provider, or nil when cloud assist
// can't run. A nil provider keeps the client disabled.
func openProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) cloudassist.Provider {
	if cfg.GoogleAPIKey == "" && cfg.GoogleCredentials == "" {
		if cfg.CloudEnabled {
			logger.Warn("cloud assist requested but no Google credentials configured")
		}
		return nil
	}
	gv, err := cloudassist.NewGoogleVision(ctx, cfg.GoogleAPIKey)
	if err != nil {
		logger.Warn("cloud vision unavailable", "error", err)
		return nil
	}
	return gv
}
