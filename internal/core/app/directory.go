package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domainerrors "grammargate/internal/core/errors"
	"grammargate/internal/core/watcher"
	"grammargate/internal/engine/parser/grammar"
	"grammargate/internal/engine/registry"
	"grammargate/internal/shared/observability"
	"grammargate/internal/shared/util"
)

type LoadFailure struct {
	Language string
	Path     string
	Err      error
}

// DirectoryReport summarizes one pass over the grammars directory.
type DirectoryReport struct {
	Manifest bool
	Loaded   []registry.Entry
	Failed   []LoadFailure
	Issues   []grammar.VerificationIssue
	Removed  []string
}

// Err joins every failure, or returns nil when all artifacts loaded.
func (r DirectoryReport) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

func (r *DirectoryReport) fail(language, path string, err error) {
	r.Failed = append(r.Failed, LoadFailure{Language: language, Path: path, Err: err})
}

// LoadDirectory loads the grammars directory. With a manifest present every
// listed artifact is verified and loaded by format; otherwise every file
// matching the discovery globs is tried. Grammars previously loaded from the
// directory that are neither loaded nor failed in this pass are unregistered.
func (s *Service) LoadDirectory(ctx context.Context) (DirectoryReport, error) {
	cfg := s.Config()
	dir := cfg.GrammarsPath

	ctx, span := observability.Tracer.Start(ctx, "Service.LoadDirectory", trace.WithAttributes(
		attribute.String("grammar.dir", dir),
	))
	defer span.End()

	var report DirectoryReport
	info, err := os.Stat(dir)
	if err != nil {
		return report, domainerrors.AddContext(domainerrors.Wrap(err, domainerrors.CodeNotFound, "stat grammars directory"), domainerrors.CtxPath, dir)
	}
	if !info.IsDir() {
		return report, domainerrors.AddContext(domainerrors.New(domainerrors.CodeValidationError, "grammars path is not a directory"), domainerrors.CtxPath, dir)
	}

	manifest, err := grammar.LoadManifest(filepath.Join(dir, grammar.ManifestFile))
	switch {
	case err == nil:
		report.Manifest = true
		err = s.loadManifest(ctx, dir, manifest, &report)
	case errors.Is(err, fs.ErrNotExist):
		err = s.loadMatching(ctx, dir, &report)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	report.Removed = s.prune(dir, report)

	span.SetAttributes(
		attribute.Int("grammar.loaded", len(report.Loaded)),
		attribute.Int("grammar.failed", len(report.Failed)),
	)
	slog.Info("grammars directory loaded", "path", dir, "manifest", report.Manifest,
		"loaded", len(report.Loaded), "failed", len(report.Failed), "issues", len(report.Issues))
	return report, nil
}

func (s *Service) loadManifest(ctx context.Context, dir string, m *grammar.Manifest, report *DirectoryReport) error {
	cfg := s.Config()

	blocked := make(map[string]bool)
	if cfg.Verification.Enabled {
		issues, err := grammar.VerifyArtifacts(dir, m)
		if err != nil {
			return err
		}
		report.Issues = grammar.FilterIssues(issues, m, nil, cfg.Verification.Required)
		for _, issue := range report.Issues {
			observability.VerificationIssuesTotal.WithLabelValues(issueKind(issue)).Inc()
			blocked[issue.Language] = true
			slog.Warn("grammar verification issue", "language", issue.Language, "path", issue.ArtifactPath, "reason", issue.Reason)
		}
		if cfg.Verification.Strict && len(report.Issues) > 0 {
			first := report.Issues[0]
			return domainerrors.AddContext(
				domainerrors.New(domainerrors.CodeChecksumMismatch,
					fmt.Sprintf("grammar verification failed (%d issues): %s", len(report.Issues), first)),
				domainerrors.CtxPath, dir,
			)
		}
	}

	for _, art := range m.Artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := resolveArtifactPath(dir, art.Path)
		if blocked[art.Language] {
			err := domainerrors.AddContext(
				domainerrors.New(domainerrors.CodeChecksumMismatch, "artifact failed manifest verification"),
				domainerrors.CtxLanguage, art.Language,
			)
			s.finish(ctx, nil, attempt{language: art.Language, origin: path, format: art.Format, version: art.ABIVersion}, time.Now(), err)
			report.fail(art.Language, path, err)
			continue
		}

		var (
			entry registry.Entry
			err   error
		)
		switch art.Format {
		case grammar.FormatSharedObject:
			entry, err = s.LoadShared(ctx, path, art.Language, strings.TrimPrefix(art.Symbol, "tree_sitter_"))
		default:
			var extra []grammar.Option
			if art.NodeTypesPath != "" {
				check, cerr := nodeTypesCheck(art.Language, resolveArtifactPath(dir, art.NodeTypesPath))
				if cerr != nil {
					s.finish(ctx, nil, attempt{language: art.Language, origin: path, format: art.Format, version: art.ABIVersion}, time.Now(), cerr)
					report.fail(art.Language, path, cerr)
					continue
				}
				extra = append(extra, grammar.WithCheck(check))
			}
			if len(art.ExternalTokens) > 0 {
				extra = append(extra, grammar.WithCheck(grammar.RequireExternalTokens(art.ExternalTokens...)))
			}
			entry, err = s.loadCompiled(ctx, path, art.Language, extra...)
		}
		if err != nil {
			report.fail(art.Language, path, err)
			continue
		}
		report.Loaded = append(report.Loaded, entry)
	}
	return nil
}

func (s *Service) loadMatching(ctx context.Context, dir string, report *DirectoryReport) error {
	files, err := s.discover(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := s.LoadPath(ctx, path)
		if err != nil {
			report.fail(languageFromFile(path), path, err)
			continue
		}
		report.Loaded = append(report.Loaded, entry)
	}
	return nil
}

// discover lists artifact files under dir that pass the discovery globs.
func (s *Service) discover(dir string) ([]string, error) {
	cfg := s.Config()
	include, err := compileGlobs(cfg.Discovery.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(cfg.Discovery.Exclude)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		base := d.Name()
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = util.NormalizePatternPath(rel)
		if d.IsDir() {
			if matchAny(exclude, base, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if base == grammar.ManifestFile || matchAny(exclude, base, rel) || !matchAny(include, base, rel) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// LoadPath loads a compiled artifact or, by extension, a shared object whose
// language is derived from the file name.
func (s *Service) LoadPath(ctx context.Context, path string) (registry.Entry, error) {
	if isSharedObject(path) {
		language := languageFromFile(path)
		return s.LoadShared(ctx, path, language, strings.ReplaceAll(language, "-", "_"))
	}
	return s.LoadFile(ctx, path)
}

// Reload applies watcher changes. A manifest change, or any change while a
// manifest is present, reloads the whole directory.
func (s *Service) Reload(ctx context.Context, changes []watcher.Change) (DirectoryReport, error) {
	dir := s.Config().GrammarsPath
	full := false
	for _, c := range changes {
		if filepath.Base(c.Path) == grammar.ManifestFile {
			full = true
			break
		}
	}
	if !full {
		if _, err := os.Stat(filepath.Join(dir, grammar.ManifestFile)); err == nil {
			full = true
		}
	}
	if full {
		return s.LoadDirectory(ctx)
	}

	var report DirectoryReport
	for _, c := range changes {
		if c.Removed {
			report.Removed = append(report.Removed, s.unregisterOrigin(c.Path)...)
			continue
		}
		entry, err := s.LoadPath(ctx, c.Path)
		if err != nil {
			report.fail(languageFromFile(c.Path), c.Path, err)
			continue
		}
		report.Loaded = append(report.Loaded, entry)
	}
	return report, nil
}

// prune unregisters grammars loaded from files under dir that were not part
// of the latest pass. An entry whose file failed to reload stays registered,
// as does a manifest language whose new artifact failed.
func (s *Service) prune(dir string, report DirectoryReport) []string {
	keepOrigin := make(map[string]bool, len(report.Loaded)+len(report.Failed))
	keepLanguage := make(map[string]bool, len(report.Failed))
	for _, e := range report.Loaded {
		keepOrigin[e.Origin] = true
	}
	for _, f := range report.Failed {
		keepOrigin[f.Path] = true
		if report.Manifest {
			keepLanguage[registry.Normalize(f.Language)] = true
		}
	}

	var removed []string
	for _, e := range s.registry.List() {
		if e.Format == registry.FormatBuiltin || !within(dir, e.Origin) {
			continue
		}
		if keepOrigin[e.Origin] || keepLanguage[e.Language] {
			continue
		}
		removed = append(removed, s.unregisterOrigin(e.Origin)...)
	}
	return removed
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// nodeTypesCheck requires every node type listed in a node-types.json file to
// be declared by the artifact.
func nodeTypesCheck(language, path string) (grammar.Check, error) {
	f, err := os.Open(path)
	if err != nil {
		return grammar.Check{}, domainerrors.AddContext(domainerrors.Wrap(err, domainerrors.CodeNotFound, "open node types"), domainerrors.CtxPath, path)
	}
	defer f.Close()

	def, err := grammar.DefinitionFromNodeTypes(language, f, nil)
	if err != nil {
		return grammar.Check{}, domainerrors.AddContext(err, domainerrors.CtxPath, path)
	}
	return grammar.Check{
		Name: "node-types",
		Run: func(h *grammar.Handle) error {
			for _, sym := range def.Symbols[1:] {
				if _, ok := h.SymbolID(sym.Name); !ok {
					return fmt.Errorf("node type %q from %s is not declared", sym.Name, filepath.Base(path))
				}
			}
			return nil
		},
	}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, domainerrors.Wrap(err, domainerrors.CodeValidationError, fmt.Sprintf("invalid pattern %q", pattern))
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

// matchAny reports whether any glob matches the base name or the
// slash-separated path relative to the grammars directory.
func matchAny(globs []glob.Glob, base, rel string) bool {
	for _, g := range globs {
		if g.Match(base) || g.Match(rel) {
			return true
		}
	}
	return false
}

func isSharedObject(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".so", ".dylib", ".dll":
		return true
	}
	return false
}

// languageFromFile derives a language id from names such as go.tsg,
// libtree-sitter-rust.so or tree-sitter-c_sharp.dylib.
func languageFromFile(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.TrimPrefix(name, "lib")
	name = strings.TrimPrefix(name, "tree-sitter-")
	return strings.ToLower(name)
}

func issueKind(issue grammar.VerificationIssue) string {
	if issue.ArtifactKind == "" {
		return "manifest"
	}
	return issue.ArtifactKind
}
