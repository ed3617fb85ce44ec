package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"grammargate/internal/core/config"
	domainerrors "grammargate/internal/core/errors"
	"grammargate/internal/data/audit"
	"grammargate/internal/engine/parser"
	"grammargate/internal/engine/parser/grammar"
	"grammargate/internal/engine/registry"
	"grammargate/internal/shared/observability"
)

// Service loads grammars through the gate and keeps the registry, audit trail
// and metrics in step with every attempt.
type Service struct {
	mu       sync.RWMutex
	cfg      *config.Config
	registry *registry.Registry
	audit    *audit.Store

	poolsMu sync.Mutex
	pools   map[string]*parser.ParserPool
}

// New builds a service over an existing registry. store may be nil, in which
// case attempts are only logged.
func New(cfg *config.Config, reg *registry.Registry, store *audit.Store) *Service {
	if reg == nil {
		reg = registry.New()
	}
	return &Service{
		cfg:      cfg,
		registry: reg,
		audit:    store,
		pools:    make(map[string]*parser.ParserPool),
	}
}

// Open builds a service from cfg, opening the audit store when enabled.
func Open(cfg *config.Config) (*Service, error) {
	var store *audit.Store
	if cfg.Audit.Enabled {
		s, err := audit.Open(cfg.Audit.Path, cfg.Audit.BusyTimeout)
		if err != nil {
			return nil, domainerrors.AddContext(
				domainerrors.Wrap(err, domainerrors.CodeInternal, "open audit store"),
				domainerrors.CtxPath, cfg.Audit.Path,
			)
		}
		store = s
	}
	return New(cfg, registry.New(), store), nil
}

func (s *Service) Close() error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Close()
}

func (s *Service) Registry() *registry.Registry { return s.registry }

func (s *Service) AuditStore() *audit.Store { return s.audit }

func (s *Service) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyConfig swaps the configuration used by later loads. Registered
// grammars are kept until the next reload.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	slog.Info("configuration applied", "grammars_path", cfg.GrammarsPath)
}

func (s *Service) loader(extra ...grammar.Option) *grammar.Loader {
	return NewLoader(s.Config(), extra...)
}

// NewLoader builds a grammar loader from the [loader] config section.
func NewLoader(cfg *config.Config, extra ...grammar.Option) *grammar.Loader {
	opts := make([]grammar.Option, 0, 4+len(extra))

	minV, maxV := grammar.MinCompatibleVersion, grammar.CurrentVersion
	if cfg.Loader.MinVersion > 0 {
		minV = uint16(cfg.Loader.MinVersion)
	}
	if cfg.Loader.MaxVersion > 0 {
		maxV = uint16(cfg.Loader.MaxVersion)
	}
	opts = append(opts, grammar.WithVersionRange(minV, maxV))
	if !cfg.Loader.VerifyChecksum {
		opts = append(opts, grammar.WithoutChecksum())
	}
	if cfg.Loader.MaxSymbols > 0 {
		opts = append(opts, grammar.WithCheck(grammar.MaxSymbols(cfg.Loader.MaxSymbols)))
	}
	if cfg.Loader.UniqueFields {
		opts = append(opts, grammar.WithCheck(grammar.UniqueFieldNames()))
	}
	opts = append(opts, extra...)
	return grammar.NewLoader(opts...)
}

// LoadFile validates a compiled grammar artifact and registers it under the
// language name it declares.
func (s *Service) LoadFile(ctx context.Context, path string) (registry.Entry, error) {
	return s.loadCompiled(ctx, path, "")
}

func (s *Service) loadCompiled(ctx context.Context, path, language string, extra ...grammar.Option) (registry.Entry, error) {
	ctx, span := observability.Tracer.Start(ctx, "Service.LoadFile", trace.WithAttributes(
		attribute.String("grammar.path", path),
		attribute.String("grammar.format", grammar.FormatCompiled),
	))
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return registry.Entry{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		err = domainerrors.AddContext(domainerrors.Wrap(err, domainerrors.CodeNotFound, "read grammar artifact"), domainerrors.CtxPath, path)
		s.finish(ctx, span, attempt{language: language, origin: path, format: grammar.FormatCompiled}, start, err)
		return registry.Entry{}, err
	}

	if s.Config().Loader.RequireName && language != "" {
		extra = append(extra, grammar.WithCheck(grammar.RequireName(language)))
	}
	h, err := s.loader(extra...).Load(grammar.Artifact{Data: data, Origin: path})
	if err != nil {
		s.finish(ctx, span, attempt{language: language, origin: path, format: grammar.FormatCompiled}, start, err)
		return registry.Entry{}, err
	}

	if language == "" {
		language = h.Name()
	}
	entry := registry.FromHandle(language, h)
	entry = s.register(entry)
	s.finish(ctx, span, attemptFor(entry), start, nil)
	return entry, nil
}

// LoadShared resolves a grammar from a shared object and registers it under
// language. symbol is the exported function name without the tree_sitter_
// prefix; empty means language.
func (s *Service) LoadShared(ctx context.Context, path, language, symbol string) (registry.Entry, error) {
	ctx, span := observability.Tracer.Start(ctx, "Service.LoadShared", trace.WithAttributes(
		attribute.String("grammar.path", path),
		attribute.String("grammar.language", language),
		attribute.String("grammar.format", grammar.FormatSharedObject),
	))
	defer span.End()
	start := time.Now()

	a := attempt{language: language, origin: path, format: grammar.FormatSharedObject}
	if err := ctx.Err(); err != nil {
		return registry.Entry{}, err
	}
	if symbol == "" {
		symbol = language
	}

	digest, err := grammar.CalculateSHA256(path)
	if err != nil {
		err = domainerrors.AddContext(domainerrors.Wrap(err, domainerrors.CodeNotFound, "read shared object"), domainerrors.CtxPath, path)
		s.finish(ctx, span, a, start, err)
		return registry.Entry{}, err
	}
	a.digest = shortDigest(digest)

	h, err := s.loader().LoadDynamic(path, symbol)
	if err != nil {
		s.finish(ctx, span, a, start, err)
		return registry.Entry{}, err
	}

	entry := registry.FromNative(grammar.FormatSharedObject, a.digest, h)
	entry.Language = language
	entry = s.register(entry)
	s.finish(ctx, span, attemptFor(entry), start, nil)
	return entry, nil
}

// LoadBuiltins passes compiled-in grammars through the native gate. With no
// ids it loads the configured languages, or every builtin when none are set.
func (s *Service) LoadBuiltins(ctx context.Context, ids []string) ([]registry.Entry, error) {
	ctx, span := observability.Tracer.Start(ctx, "Service.LoadBuiltins")
	defer span.End()

	if len(ids) == 0 {
		ids = s.Config().Builtins.Languages
	}
	if len(ids) == 0 {
		ids = parser.BuiltinIDs()
	}

	loader := s.loader()
	entries := make([]registry.Entry, 0, len(ids))
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		start := time.Now()
		origin := "builtin:" + id
		a := attempt{language: id, origin: origin, format: registry.FormatBuiltin}

		lang, ok := parser.Builtin(id)
		if !ok {
			err := domainerrors.AddContext(
				domainerrors.New(domainerrors.CodeNotFound, fmt.Sprintf("no builtin grammar %q", id)),
				domainerrors.CtxLanguage, id,
			)
			s.finish(ctx, nil, a, start, err)
			errs = append(errs, err)
			continue
		}

		h, err := loader.LoadLanguage(id, origin, lang)
		if err != nil {
			s.finish(ctx, nil, a, start, err)
			errs = append(errs, err)
			continue
		}
		entry := registry.FromNative(registry.FormatBuiltin, "", h)
		entry = s.register(entry)
		s.finish(ctx, nil, attemptFor(entry), start, nil)
		entries = append(entries, entry)
	}

	err := errors.Join(errs...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return entries, err
}

// Probe parses source with a registered native grammar.
func (s *Service) Probe(ctx context.Context, language string, source []byte) (parser.ProbeResult, error) {
	entry, ok := s.registry.Get(language)
	if !ok {
		return parser.ProbeResult{}, domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeNotFound, "grammar not registered"),
			domainerrors.CtxLanguage, language,
		)
	}
	if entry.Native == nil {
		return parser.ProbeResult{}, domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeNotSupported, "compiled artifacts carry no runtime parser"),
			domainerrors.CtxLanguage, language,
		)
	}

	pool := s.pool(entry)
	result, err := parser.Probe(ctx, pool, source)
	if err == nil {
		observability.ProbeDuration.WithLabelValues(entry.Language).Observe(result.Duration.Seconds())
	}
	return result, err
}

func (s *Service) pool(entry registry.Entry) *parser.ParserPool {
	s.poolsMu.Lock()
	defer s.poolsMu.Unlock()
	if p, ok := s.pools[entry.Language]; ok && p.Handle() == entry.Native {
		return p
	}
	p := parser.NewParserPool(entry.Native)
	s.pools[entry.Language] = p
	return p
}

// poolStats sums leased parsers across pools and reports the oldest lease.
func (s *Service) poolStats() (int, time.Duration) {
	s.poolsMu.Lock()
	defer s.poolsMu.Unlock()
	var (
		leased int
		oldest time.Duration
	)
	for _, p := range s.pools {
		leased += p.Stats()
		if d := p.OldestLease(); d > oldest {
			oldest = d
		}
	}
	return leased, oldest
}

// register stores entry and returns it with the language key the registry uses.
func (s *Service) register(entry registry.Entry) registry.Entry {
	entry.Language = registry.Normalize(entry.Language)
	if prev, replaced := s.registry.Put(entry); replaced {
		slog.Info("grammar replaced", "language", entry.Language, "previous_origin", prev.Origin, "origin", entry.Origin)
	} else {
		slog.Info("grammar registered", "language", entry.Language, "origin", entry.Origin, "format", entry.Format)
	}
	observability.RegistryLanguages.Set(float64(s.registry.Len()))
	return entry
}

func (s *Service) unregisterOrigin(origin string) []string {
	removed := s.registry.RemoveOrigin(origin)
	if len(removed) > 0 {
		s.poolsMu.Lock()
		for _, language := range removed {
			delete(s.pools, language)
		}
		s.poolsMu.Unlock()
		slog.Info("grammars unregistered", "origin", origin, "languages", removed)
		observability.RegistryLanguages.Set(float64(s.registry.Len()))
	}
	return removed
}

// attempt carries what is known about a load before and after it runs.
type attempt struct {
	language string
	origin   string
	format   string
	version  int
	digest   string
}

func attemptFor(e registry.Entry) attempt {
	return attempt{
		language: e.Language,
		origin:   e.Origin,
		format:   e.Format,
		version:  int(e.Version),
		digest:   e.Digest,
	}
}

// finish records the outcome of one attempt in metrics, the span and the
// audit store.
func (s *Service) finish(ctx context.Context, span trace.Span, a attempt, start time.Time, loadErr error) {
	observability.LoadDuration.WithLabelValues(a.format).Observe(time.Since(start).Seconds())

	rec := audit.Record{
		Language: a.language,
		Origin:   a.origin,
		Format:   a.format,
		Outcome:  audit.OutcomeLoaded,
		Version:  a.version,
		Digest:   a.digest,
	}
	if loadErr != nil {
		rec.Outcome = audit.OutcomeFailed
		rec.Kind = string(domainerrors.CodeOf(loadErr))
		if kind := grammar.KindOf(loadErr); kind != 0 {
			rec.Outcome = audit.OutcomeRejected
			rec.Kind = kind.String()
		}
		rec.Message = loadErr.Error()
		slog.Warn("grammar load failed", "path", a.origin, "language", a.language, "outcome", rec.Outcome, "kind", rec.Kind, "error", loadErr)
		if span != nil {
			span.RecordError(loadErr)
			span.SetStatus(codes.Error, rec.Kind)
		}
	}
	observability.LoadAttemptsTotal.WithLabelValues(rec.Outcome, rec.Kind).Inc()
	if span != nil {
		span.SetAttributes(attribute.String("grammar.outcome", rec.Outcome))
	}

	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		observability.AuditWriteErrorsTotal.Inc()
		slog.Error("failed to record load attempt", "path", a.origin, "error", err)
	}
}

// RecentAttempts returns audited attempts, newest first.
func (s *Service) RecentAttempts(ctx context.Context, language string, limit int) ([]audit.Record, error) {
	if s.audit == nil {
		return nil, domainerrors.New(domainerrors.CodeNotSupported, "audit store is disabled")
	}
	return s.audit.Recent(ctx, language, limit)
}

func shortDigest(sha string) string {
	if len(sha) > 16 {
		return sha[:16]
	}
	return sha
}

func resolveArtifactPath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
