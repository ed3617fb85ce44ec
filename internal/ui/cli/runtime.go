package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"grammargate/internal/core/config"
	"grammargate/internal/shared/observability"
)

// session is what every command receives: resolved configuration and the
// output streams.
type session struct {
	cfg     *config.Config
	cfgPath string
	stdout  io.Writer
	stderr  io.Writer
}

func Run(args []string) int {
	return run(args, os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if opts.version || opts.command == "version" {
		fmt.Fprintf(stdout, "grammargate v%s\n", versionString)
		return 0
	}
	if opts.command == "" {
		printUsage(stderr)
		return 2
	}
	if opts.noColor {
		color.NoColor = true
	}

	cleanupLogs := configureLogging(opts.command == "ui", opts.verbose, stderr)
	defer cleanupLogs()

	cfg, found, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		slog.Error("failed to load config", "path", opts.configPath, "error", err)
		return 1
	}
	baseDir := filepath.Dir(opts.configPath)
	if !found {
		if baseDir, err = os.Getwd(); err != nil {
			slog.Error("failed to detect working directory", "error", err)
			return 1
		}
		slog.Debug("config file not found, using defaults", "path", opts.configPath)
	}
	config.Resolve(cfg, baseDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingOptions{
		Enabled:     cfg.Observability.EnableTracing,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		ServiceName: cfg.Observability.ServiceName,
		Insecure:    true,
	})
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	s := &session{cfg: cfg, stdout: stdout, stderr: stderr}
	if found {
		s.cfgPath = opts.configPath
	}
	return s.dispatch(ctx, opts.command, opts.args)
}

func (s *session) dispatch(ctx context.Context, command string, args []string) int {
	switch command {
	case "load":
		return s.runLoad(ctx, args)
	case "inspect":
		return s.runInspect(args)
	case "verify":
		return s.runVerify(ctx, args)
	case "builtin":
		return s.runBuiltin(ctx, args)
	case "pack":
		return s.runPack(args)
	case "grammars":
		return s.runGrammars(args)
	case "audit":
		return s.runAudit(ctx, args)
	case "watch":
		return s.runWatch(ctx, args)
	case "serve":
		return s.runServe(ctx, args)
	case "ui":
		return s.runUI(ctx, args)
	default:
		fmt.Fprintf(s.stderr, "Unknown command: %s\n", command)
		printUsage(s.stderr)
		return 2
	}
}

func configureLogging(uiMode, verbose bool, stderr io.Writer) func() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	output := stderr
	var closeFn func() = func() {}
	if uiMode {
		logPath := resolveLogPath()
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
			fmt.Fprintf(stderr, "warning: failed to create log dir for %s: %v\n", logPath, err)
		} else if fi, err := os.Lstat(logPath); err == nil && (fi.Mode()&os.ModeSymlink) != 0 {
			fmt.Fprintf(stderr, "warning: refusing to write logs to symlink path %s\n", logPath)
		} else {
			f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err == nil {
				output = f
				closeFn = func() { _ = f.Close() }
			} else {
				fmt.Fprintf(stderr, "warning: failed to open log file %s: %v\n", logPath, err)
			}
		}
	}

	logger := slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return closeFn
}

func resolveLogPath() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "grammargate", "grammargate.log")
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "grammargate", "grammargate.log")
	}
	return filepath.Join(os.TempDir(), "grammargate", "grammargate.log")
}
