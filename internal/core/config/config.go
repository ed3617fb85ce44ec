package config

import "time"

type Config struct {
	Version       int           `toml:"version"`
	GrammarsPath  string        `toml:"grammars_path" env:"GRAMMARS_PATH"`
	Loader        Loader        `toml:"loader" envPrefix:"LOADER_"`
	Builtins      Builtins      `toml:"builtins" envPrefix:"BUILTINS_"`
	Discovery     Discovery     `toml:"discovery"`
	Verification  Verification  `toml:"verification" envPrefix:"VERIFICATION_"`
	Audit         Audit         `toml:"audit" envPrefix:"AUDIT_"`
	Watch         Watch         `toml:"watch" envPrefix:"WATCH_"`
	Observability Observability `toml:"observability" envPrefix:"OBSERVABILITY_"`
}

// Loader bounds what the grammar gate accepts. Zero versions mean the linked
// runtime's range.
type Loader struct {
	MinVersion     int  `toml:"min_version" env:"MIN_VERSION"`
	MaxVersion     int  `toml:"max_version" env:"MAX_VERSION"`
	VerifyChecksum bool `toml:"verify_checksum" env:"VERIFY_CHECKSUM"`
	MaxSymbols     int  `toml:"max_symbols" env:"MAX_SYMBOLS"`
	RequireName    bool `toml:"require_name" env:"REQUIRE_NAME"`
	UniqueFields   bool `toml:"unique_fields" env:"UNIQUE_FIELDS"`
}

type Builtins struct {
	Enabled   bool     `toml:"enabled" env:"ENABLED"`
	Languages []string `toml:"languages" env:"LANGUAGES" envSeparator:","`
}

// Discovery selects artifact files when the grammars directory has no manifest.
type Discovery struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

type Verification struct {
	Enabled  bool     `toml:"enabled" env:"ENABLED"`
	Required []string `toml:"required" env:"REQUIRED" envSeparator:","`
	// Strict refuses to load any artifact when verification reports issues.
	Strict bool `toml:"strict" env:"STRICT"`
}

type Audit struct {
	Enabled     bool          `toml:"enabled" env:"ENABLED"`
	Path        string        `toml:"path" env:"PATH"`
	BusyTimeout time.Duration `toml:"busy_timeout" env:"BUSY_TIMEOUT"`
}

type Watch struct {
	Debounce    time.Duration `toml:"debounce" env:"DEBOUNCE"`
	ReloadRate  float64       `toml:"reload_rate" env:"RELOAD_RATE"`
	ReloadBurst int           `toml:"reload_burst" env:"RELOAD_BURST"`
}

type Observability struct {
	Enabled       bool   `toml:"enabled" env:"ENABLED"`
	Address       string `toml:"address" env:"ADDRESS"`
	EnableTracing bool   `toml:"enable_tracing" env:"ENABLE_TRACING"`
	OTLPEndpoint  string `toml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName   string `toml:"service_name" env:"SERVICE_NAME"`
}

func DefaultConfig() *Config {
	return &Config{
		Version:      1,
		GrammarsPath: "grammars",
		Loader: Loader{
			VerifyChecksum: true,
		},
		Builtins: Builtins{
			Enabled: true,
		},
		Discovery: Discovery{
			Include: []string{"*.tsg", "*.so", "*.dylib"},
			Exclude: []string{".*", "*.tmp"},
		},
		Verification: Verification{
			Enabled: true,
		},
		Audit: Audit{
			Enabled:     true,
			Path:        "data/state/audit.db",
			BusyTimeout: 2 * time.Second,
		},
		Watch: Watch{
			Debounce:    250 * time.Millisecond,
			ReloadRate:  2,
			ReloadBurst: 4,
		},
		Observability: Observability{
			Address:     "127.0.0.1:9464",
			ServiceName: "grammargate",
		},
	}
}
