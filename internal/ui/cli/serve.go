package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	coreapp "grammargate/internal/core/app"
	"grammargate/internal/core/config"
	"grammargate/internal/shared/observability"
)

// bootstrap opens the service and performs the initial builtin and directory
// loads shared by watch, serve and ui.
func (s *session) bootstrap(ctx context.Context) (*coreapp.Service, coreapp.DirectoryReport, bool) {
	var report coreapp.DirectoryReport
	svc, ok := s.openService()
	if !ok {
		return nil, report, false
	}

	if s.cfg.Builtins.Enabled {
		if _, err := svc.LoadBuiltins(ctx, nil); err != nil {
			slog.Warn("some builtin grammars were rejected", "error", err)
		}
	}

	if _, err := os.Stat(s.cfg.GrammarsPath); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("grammars directory does not exist yet", "path", s.cfg.GrammarsPath)
		return svc, report, true
	}
	report, err := svc.LoadDirectory(ctx)
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to load grammars: %v\n", err)
		_ = svc.Close()
		return nil, report, false
	}
	return svc, report, true
}

// watchConfig applies config file edits to svc and reloads the directory.
func (s *session) watchConfig(ctx context.Context, svc *coreapp.Service, onReport func(coreapp.DirectoryReport, error)) func() {
	if s.cfgPath == "" {
		return func() {}
	}
	w := config.NewWatcher(s.cfgPath, func(cfg *config.Config) {
		svc.ApplyConfig(cfg)
		report, err := svc.LoadDirectory(ctx)
		if onReport != nil {
			onReport(report, err)
		}
	})
	if err := w.Start(ctx); err != nil {
		slog.Warn("config hot reload disabled", "path", s.cfgPath, "error", err)
		return func() {}
	}
	return w.Stop
}

func (s *session) startServer(ctx context.Context, svc *coreapp.Service, addr string) (func(), error) {
	srv := observability.NewServer(addr, coreapp.NewHealthService(svc))
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			slog.Warn("observability server shutdown failed", "error", err)
		}
	}, nil
}

func (s *session) runWatch(ctx context.Context, args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(s.stderr, "Usage: grammargate watch")
		return 2
	}
	svc, report, ok := s.bootstrap(ctx)
	if !ok {
		return 1
	}
	defer svc.Close()
	printReport(s.stdout, report, nil)

	if s.cfg.Observability.Enabled {
		stop, err := s.startServer(ctx, svc, s.cfg.Observability.Address)
		if err != nil {
			fmt.Fprintf(s.stderr, "Failed to start observability server: %v\n", err)
			return 1
		}
		defer stop()
	}

	onReport := func(r coreapp.DirectoryReport, err error) { printReport(s.stdout, r, err) }
	defer s.watchConfig(ctx, svc, onReport)()

	if err := svc.Watch(ctx, onReport); err != nil {
		fmt.Fprintf(s.stderr, "Watcher failed: %v\n", err)
		return 1
	}
	return 0
}

func (s *session) runServe(ctx context.Context, args []string) int {
	fset := s.newFlagSet("serve")
	addr := fset.String("addr", s.cfg.Observability.Address, "Listen address for /metrics and /health")
	watch := fset.Bool("watch", true, "Reload grammars when files change")
	if err := fset.Parse(args); err != nil {
		return 2
	}

	svc, report, ok := s.bootstrap(ctx)
	if !ok {
		return 1
	}
	defer svc.Close()
	printReport(s.stdout, report, nil)

	stop, err := s.startServer(ctx, svc, *addr)
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to start observability server: %v\n", err)
		return 1
	}
	defer stop()

	onReport := func(r coreapp.DirectoryReport, err error) { printReport(s.stdout, r, err) }
	defer s.watchConfig(ctx, svc, onReport)()

	if *watch {
		if _, err := os.Stat(s.cfg.GrammarsPath); err == nil {
			if err := svc.Watch(ctx, onReport); err != nil {
				fmt.Fprintf(s.stderr, "Watcher failed: %v\n", err)
				return 1
			}
			return 0
		}
	}
	<-ctx.Done()
	return 0
}

func printReport(w io.Writer, report coreapp.DirectoryReport, err error) {
	if err != nil {
		fmt.Fprintf(w, "%s %v\n", failLabel("FAIL"), err)
	}
	for _, issue := range report.Issues {
		fmt.Fprintf(w, "%s %s\n", warnLabel("ISSUE"), issue)
	}
	for _, e := range report.Loaded {
		printEntry(w, e)
	}
	for _, f := range report.Failed {
		printFailure(w, f.Path, f.Err)
	}
	for _, language := range report.Removed {
		fmt.Fprintf(w, "%s %s\n", dim("REMOVED"), language)
	}
}
