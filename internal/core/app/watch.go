package app

import (
	"context"
	"log/slog"

	"grammargate/internal/core/watcher"
	"grammargate/internal/engine/parser/grammar"
)

// Watch reloads grammars as files under the grammars directory change, until
// ctx is done. onReport, when set, receives the outcome of every reload.
func (s *Service) Watch(ctx context.Context, onReport func(DirectoryReport, error)) error {
	cfg := s.Config()

	w, err := watcher.NewWatcher(watcher.Options{
		Debounce:    cfg.Watch.Debounce,
		Root:        cfg.GrammarsPath,
		Include:     cfg.Discovery.Include,
		Exclude:     cfg.Discovery.Exclude,
		Always:      []string{grammar.ManifestFile},
		ReloadRate:  cfg.Watch.ReloadRate,
		ReloadBurst: cfg.Watch.ReloadBurst,
	}, func(changes []watcher.Change) {
		report, err := s.Reload(ctx, changes)
		if err != nil {
			slog.Error("grammar reload failed", "changes", len(changes), "error", err)
		}
		if onReport != nil {
			onReport(report, err)
		}
	})
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Watch([]string{cfg.GrammarsPath}); err != nil {
		return err
	}
	slog.Info("watching grammars", "path", cfg.GrammarsPath)

	<-ctx.Done()
	return nil
}
