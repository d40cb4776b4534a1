// Command testrig runs the remote test runner: a websocket service that
// executes dashboard-submitted test snippets against a live browser session.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/palebluedot/testrig/internal/server"
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
)

// DefaultPort is used when TESTRIG_PORT is unset.
const DefaultPort = 5003

// Config holds the service configuration.
type Config struct {
	Port     int
	Headless bool
	Debug    bool

	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns the built-in defaults. Environment variables and
// flags are applied on top in run.
func DefaultConfig() *Config {
	return &Config{
		Port:     DefaultPort,
		Headless: true,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

func main() {
	os.Exit(run(os.Args[1:], DefaultConfig()))
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TESTRIG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("TESTRIG_HEADLESS"); v != "" {
		cfg.Headless = v != "0" && v != "false"
	}
	if os.Getenv("TESTRIG_DEBUG") != "" {
		cfg.Debug = true
	}
}

func run(args []string, cfg *Config) int {
	applyEnv(cfg)

	fs := flag.NewFlagSet("testrig", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Listen port (env: TESTRIG_PORT)")
	fs.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run the browser headless (env: TESTRIG_HEADLESS)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Verbose logging (env: TESTRIG_DEBUG)")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}

	log, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "initializing logger: %v\n", err)
		return ExitError
	}
	defer log.Sync()

	srv := server.New(server.Config{
		Headless: cfg.Headless,
		Logger:   log,
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	log.Info("listening", zap.Int("port", cfg.Port), zap.Bool("headless", cfg.Headless))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("server stopped", zap.Error(err))
		return ExitError
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Close()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
		return ExitError
	}
	return ExitSuccess
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
