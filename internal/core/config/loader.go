package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/gobwas/glob"
	sitter "github.com/tree-sitter/go-tree-sitter"

	domainerrors "grammargate/internal/core/errors"
)

const EnvPrefix = "GRAMMARGATE_"

// Load reads a TOML config over the defaults, then applies GRAMMARGATE_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, domainerrors.AddContext(
			domainerrors.Wrap(err, domainerrors.CodeValidationError, "decode config"),
			domainerrors.CtxPath, path,
		)
	}
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault falls back to defaults (plus env overrides) when path does not exist.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	cfg = DefaultConfig()
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, false, err
	}
	if err := Validate(cfg); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// ApplyEnvOverrides applies GRAMMARGATE_[SECTION_]KEY variables, for example
// GRAMMARGATE_WATCH_DEBOUNCE=1s.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidationError, "parse environment overrides")
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Version != 1 {
		return invalid(fmt.Sprintf("unsupported config version %d", cfg.Version))
	}
	if strings.TrimSpace(cfg.GrammarsPath) == "" {
		return invalid("grammars_path must not be empty")
	}
	if err := validateLoader(cfg.Loader); err != nil {
		return err
	}
	for _, pattern := range append(append([]string(nil), cfg.Discovery.Include...), cfg.Discovery.Exclude...) {
		if _, err := glob.Compile(pattern); err != nil {
			return domainerrors.Wrap(err, domainerrors.CodeValidationError, fmt.Sprintf("invalid discovery pattern %q", pattern))
		}
	}
	if len(cfg.Discovery.Include) == 0 {
		return invalid("discovery.include must list at least one pattern")
	}
	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Path) == "" {
		return invalid("audit.path must be set when audit is enabled")
	}
	if cfg.Watch.Debounce < 0 {
		return invalid("watch.debounce must not be negative")
	}
	if cfg.Watch.ReloadRate <= 0 || cfg.Watch.ReloadBurst <= 0 {
		return invalid("watch.reload_rate and watch.reload_burst must be > 0")
	}
	if cfg.Observability.Enabled && strings.TrimSpace(cfg.Observability.Address) == "" {
		return invalid("observability.address must be set when observability is enabled")
	}
	if cfg.Observability.EnableTracing && strings.TrimSpace(cfg.Observability.OTLPEndpoint) == "" {
		return invalid("observability.otlp_endpoint must be set when tracing is enabled")
	}
	return nil
}

func validateLoader(l Loader) error {
	const maxABI = 0xFFFF
	if l.MinVersion < 0 || l.MaxVersion < 0 || l.MinVersion > maxABI || l.MaxVersion > maxABI {
		return invalid("loader versions must be within 0..65535")
	}
	// Zero selects the linked runtime's bound.
	minV, maxV := l.MinVersion, l.MaxVersion
	if minV == 0 {
		minV = int(sitter.MIN_COMPATIBLE_LANGUAGE_VERSION)
	}
	if maxV == 0 {
		maxV = int(sitter.LANGUAGE_VERSION)
	}
	if minV > maxV {
		return invalid(fmt.Sprintf("effective loader version range %d..%d is empty", minV, maxV))
	}
	if l.MaxSymbols < 0 {
		return invalid("loader.max_symbols must not be negative")
	}
	return nil
}

// Resolve makes relative paths absolute against baseDir, normally the
// directory holding the config file.
func Resolve(cfg *Config, baseDir string) {
	cfg.GrammarsPath = resolvePath(cfg.GrammarsPath, baseDir)
	cfg.Audit.Path = resolvePath(cfg.Audit.Path, baseDir)
}

func resolvePath(path, baseDir string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func invalid(msg string) error {
	return domainerrors.New(domainerrors.CodeValidationError, msg)
}
