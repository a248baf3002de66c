package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/subprocess/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/logging"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/subprocess"
)

const (
	// drainTimeout bounds how long output is pumped after the child exits
	drainTimeout = 2 * time.Second
	stopTimeout  = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	stderrMode := flag.String("stderr", "pipe", "Child stderr handling: pipe, stdout or inherit")
	metricsAddr := flag.String("metrics", "", "Serve prometheus metrics on this address")
	terminal := flag.Bool("terminal", false, "Run the child on a pseudo-terminal")
	workdir := flag.String("dir", "", "Working directory of the child")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] -- command [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return 2
	}

	mode, err := subprocess.ParseStderrMode(*stderrMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration, using defaults: %v\n", err)
		cfg = config.Default()
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = *metricsAddr
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Close()

	metrics := monitoring.NewMetrics()
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Address, metrics, logger.Component("metrics"))
		defer srv.Close()
	}

	mux := subprocess.New(
		subprocess.WithConfig(cfg.Subprocess),
		subprocess.WithLogger(logger.Component("subprocess")),
		subprocess.WithMetrics(metrics),
	)
	if err := mux.Start(); err != nil {
		logger.Error("Failed to start multiplexer", zap.Error(err))
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := mux.Stop(ctx); err != nil {
			logger.Warn("Multiplexer did not stop cleanly", zap.Error(err))
		}
	}()

	ctx := context.Background()
	proc, err := mux.Spawn(ctx, subprocess.Options{
		Command:   args[0],
		Arguments: args[1:],
		WorkDir:   *workdir,
		Stderr:    mode,
		Terminal:  *terminal,
	})
	if err != nil {
		logger.Error("Failed to spawn", zap.Error(err))
		return 127
	}

	// Forward interrupts as a kill so the exit code is still reported
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for sig := range sigChan {
			logger.Info("Killing child", zap.Stringer("signal", sig), zap.Int("pid", proc.PID()))
			if err := proc.Kill(); err != nil {
				return
			}
		}
	}()

	go pumpIn(ctx, os.Stdin, proc.Stdin(), cfg.Subprocess.ReadSize, logger.Logger)

	var pumps errgroup.Group
	pumps.Go(func() error { return pumpOut(ctx, proc.Stdout(), os.Stdout, cfg.Subprocess.ReadSize) })
	if stderr := proc.Stderr(); stderr != nil {
		pumps.Go(func() error { return pumpOut(ctx, stderr, os.Stderr, cfg.Subprocess.ReadSize) })
	}
	drained := make(chan error, 1)
	go func() { drained <- pumps.Wait() }()

	code, err := proc.Wait(ctx)
	if err != nil {
		logger.Error("Waiting for child failed", zap.Error(err))
		return 1
	}

	// A grandchild can keep the output pipes open past the child's exit
	select {
	case err := <-drained:
		if err != nil {
			logger.Warn("Copying child output failed", zap.Error(err))
		}
	case <-time.After(drainTimeout):
		logger.Warn("Child output still open after exit", zap.Int("pid", proc.PID()))
	}

	return exitCode(code)
}

func serveMetrics(addr string, metrics *monitoring.Metrics, logger *zap.Logger) *http.Server {
	router := http.NewServeMux()
	router.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// pumpIn copies r into the child's stdin and closes it gracefully at end
// of input.
func pumpIn(ctx context.Context, r io.Reader, stdin *subprocess.Pipe, size int, logger *zap.Logger) {
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := stdin.WriteContext(ctx, buf[:n]); werr != nil {
				if !errors.Is(werr, subprocess.ErrClosed) {
					logger.Debug("Writing child stdin failed", zap.Error(werr))
				}
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("Reading stdin failed", zap.Error(err))
			}
			stdin.Close(false)
			return
		}
	}
}

// pumpOut copies an input pipe to w until the pipe closes.
func pumpOut(ctx context.Context, pipe *subprocess.Pipe, w io.Writer, size int) error {
	for {
		chunk, err := pipe.ReadContext(ctx, size)
		if errors.Is(err, subprocess.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
}

// exitCode maps a child exit code onto a status for this process. Signal
// deaths follow the shell convention of 128+signal.
func exitCode(code int) int {
	switch {
	case code == subprocess.UnknownExitCode:
		return 1
	case code < 0:
		return 128 - code
	}
	return code
}
