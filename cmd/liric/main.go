// The liric command is the instrument-control server for the Liric infrared
// imager: it accepts line-based text commands from the robotic telescope over
// TCP and produces time-stamped FITS images on local disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/piascik/liric/internal/buffer"
	"github.com/piascik/liric/internal/config"
	"github.com/piascik/liric/internal/detector"
	"github.com/piascik/liric/internal/filename"
	"github.com/piascik/liric/internal/filterwheel"
	"github.com/piascik/liric/internal/fitshdr"
	"github.com/piascik/liric/internal/metrics"
	"github.com/piascik/liric/internal/multrun"
	"github.com/piascik/liric/internal/nudgematic"
	"github.com/piascik/liric/internal/sched"
	"github.com/piascik/liric/internal/server"
	"github.com/piascik/liric/internal/status"
	"github.com/piascik/liric/internal/timeutil"
	"github.com/piascik/liric/internal/version"
)

var (
	configFile  = flag.String("config", "/icc/config/liric.properties", "Path to the instrument properties file")
	devMode     = flag.Bool("dev", false, "Run with simulated hardware (no grabber, serial devices or SDK needed)")
	versionFlag = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("liric %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	clock := timeutil.RealClock{}
	st := status.NewStore()
	headers := fitshdr.NewStore()
	met := metrics.New()

	seq, err := filename.New(cfg.InstrumentCode, cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to initialise filename sequencer: %v", err)
	}
	log.Printf("filename sequencer recovered multrun %d from %s", seq.Multrun(), cfg.DataDir)

	var (
		engine *detector.Engine
		setup  *detector.Setup
		temp   *detector.Temperature
	)
	if cfg.DetectorEnable {
		var grab detector.FrameGrabber
		if *devMode {
			grab = detector.NewSimGrabber()
		} else {
			grab, err = detector.OpenXCLIB()
			if err != nil {
				log.Fatalf("failed to open frame grabber: %v", err)
			}
		}
		setup = detector.NewSetup(grab, cfg.DetectorFormatDir)
		if err := setup.Startup(cfg.CoaddLengthLongMs); err != nil {
			log.Fatalf("failed to start up detector: %v", err)
		}
		buf, err := buffer.New(setup.SizeX(), setup.SizeY())
		if err != nil {
			log.Fatalf("failed to allocate image buffers: %v", err)
		}
		engine = detector.NewEngine(grab, buf, headers, st, met, clock)
		if err := engine.SetCoaddFrameLength(cfg.CoaddLengthLongMs); err != nil {
			log.Fatalf("failed to set coadd frame length: %v", err)
		}
		engine.SetFlip(cfg.MultrunFlipX, cfg.MultrunFlipY)

		var channel detector.SerialChannel
		if *devMode {
			channel = detector.NewMockChannel()
		} else {
			if cfg.DetectorSerialDevice == "" {
				log.Fatalf("detector.serial.device_name is required when the detector is enabled")
			}
			channel, err = detector.OpenChannel(cfg.DetectorSerialDevice)
			if err != nil {
				log.Fatalf("failed to open camera serial channel: %v", err)
			}
		}
		cal, err := detector.NewCalibration(cfg.TemperatureADCZero, cfg.TemperatureADCForty,
			cfg.TemperatureDACZero, cfg.TemperatureDACForty)
		if err != nil {
			log.Fatalf("failed to compute temperature calibration: %v", err)
		}
		temp = detector.NewTemperature(channel, cal)
		if err := temp.SetSetpoint(cfg.TemperatureTarget); err != nil {
			log.Printf("failed to set TEC set-point: %v", err)
		}
		if err := temp.SetTEC(true); err != nil {
			log.Printf("failed to enable TEC: %v", err)
		}
		if err := temp.SetFan(true); err != nil {
			log.Printf("failed to enable fan: %v", err)
		}
		defer channel.Close()
		defer setup.Shutdown()
	} else {
		log.Print("detector not enabled")
	}

	var wheel *filterwheel.Wheel
	if cfg.FilterWheelEnable {
		wheelCfg := filterwheel.NewConfig(cfg.Filters)
		if *devMode {
			wheel = filterwheel.New(filterwheel.NewSimTransport(), wheelCfg, 0, clock)
		} else {
			wheel, err = filterwheel.Open(cfg.FilterWheelDeviceName, wheelCfg, 0, clock)
			if err != nil {
				log.Fatalf("failed to open filter wheel: %v", err)
			}
		}
		defer wheel.Close()
	} else {
		log.Print("filter wheel not enabled")
	}

	var nudge *nudgematic.Controller
	if cfg.NudgematicEnable {
		if *devMode {
			nudge = nudgematic.New(nudgematic.NewSimTransport(), 0, clock)
		} else {
			nudge, err = nudgematic.Open(cfg.NudgematicDeviceName, 0, clock)
			if err != nil {
				log.Fatalf("failed to open nudgematic: %v", err)
			}
		}
		defer nudge.Close()
	} else {
		log.Print("nudgematic not enabled")
	}

	observer := multrun.New(multrun.Deps{
		Config:  cfg,
		Status:  st,
		Seq:     seq,
		Headers: headers,
		Engine:  engine,
		Setup:   setup,
		Temp:    temp,
		Wheel:   wheel,
		Nudge:   nudge,
		Metrics: met,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := &server.Handler{
		Status:   st,
		Headers:  headers,
		Seq:      seq,
		Engine:   engine,
		Temp:     temp,
		Wheel:    wheel,
		Nudge:    nudge,
		Observer: observer,
		Metrics:  met,
		Priorities: sched.Priorities{
			Normal:   cfg.PriorityNormal,
			Exposure: cfg.PriorityExposure,
		},
		Shutdown: stop,
	}

	// optional side HTTP listener for Prometheus scrapes
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
		log.Printf("metrics on http://%s/metrics", cfg.MetricsListen)
	}

	srv := server.NewServer(handler)
	addr := fmt.Sprintf(":%d", cfg.CommandServerPort)
	log.Printf("liric %s starting command server on %s", version.Version, addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		log.Printf("command server: %v", err)
		os.Exit(1)
	}
	log.Print("graceful shutdown complete")
}
