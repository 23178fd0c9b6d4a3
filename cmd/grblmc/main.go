package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"grblmc/config"
	"grblmc/machine"
)

const unlockTimeout = 5 * time.Second

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "grblmc.toml", "Path to the TOML config file.")
	port := flag.String("port", "", "Serial device path (overrides config).")
	addr := flag.String("addr", "", "HTTP bind address (overrides config).")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}

	sp, err := serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: cfg.Baud})
	if err != nil {
		logger.WithError(err).WithField("port", cfg.Port).Fatal("open serial port")
	}

	ctl := machine.New(sp, cfg.Machine(), logger.WithField("component", "machine"))
	ctl.Executor.LineDelay = time.Duration(cfg.LineDelayMs) * time.Millisecond
	ctl.Jogger.Throttle = time.Duration(cfg.JogThrottleMs) * time.Millisecond
	ctl.Jogger.Step = cfg.JogStep
	ctl.Jogger.Fraction = cfg.JogFraction

	a := newAPI(ctl, logger)
	logger.AddHook(newSSELogHook(a.sse))

	if err := ctl.Start(); err != nil {
		logger.WithError(err).Fatal("start controller")
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: a}
	go func() {
		logger.WithField("addr", cfg.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutting down")

	// safe the machine before tearing anything else down
	ctl.Supervisor.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	a.sse.Shutdown()

	if err := ctl.Close(); err != nil {
		logger.WithError(err).Warn("close controller")
	}
	sp.Close()
}
