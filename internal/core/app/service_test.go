package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grammargate/internal/core/config"
	domainerrors "grammargate/internal/core/errors"
	"grammargate/internal/core/watcher"
	"grammargate/internal/data/audit"
	"grammargate/internal/engine/parser/grammar"
	"grammargate/internal/engine/registry"
)

func newTestService(t *testing.T, mutate func(*config.Config)) *Service {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.GrammarsPath = filepath.Join(root, "grammars")
	cfg.Audit.Path = filepath.Join(root, "state", "audit.db")
	require.NoError(t, os.MkdirAll(cfg.GrammarsPath, 0o755))
	if mutate != nil {
		mutate(cfg)
	}

	svc, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func artifactBytes(t *testing.T, name string, extra ...string) []byte {
	t.Helper()
	symbols := []grammar.Symbol{{Name: "end"}}
	for _, s := range extra {
		symbols = append(symbols, grammar.Symbol{Name: s, Visible: true, Named: true})
	}
	data, err := grammar.Encode(grammar.Definition{
		Name:       name,
		Version:    grammar.CurrentVersion,
		Symbols:    symbols,
		TokenCount: len(symbols),
		StateCount: 1,
		ParseTable: make([]uint16, len(symbols)),
	})
	require.NoError(t, err)
	return data
}

func writeArtifact(t *testing.T, dir, file string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func recent(t *testing.T, svc *Service, language string) []audit.Record {
	t.Helper()
	records, err := svc.RecentAttempts(context.Background(), language, 10)
	require.NoError(t, err)
	return records
}

func TestLoadFile_RegistersAndAudits(t *testing.T) {
	svc := newTestService(t, nil)
	path := writeArtifact(t, svc.Config().GrammarsPath, "pyret.tsg", artifactBytes(t, "pyret", "name"))

	entry, err := svc.LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "pyret", entry.Language)
	assert.Equal(t, grammar.FormatCompiled, entry.Format)
	assert.Equal(t, 2, entry.SymbolCount)
	require.NotNil(t, entry.Handle)

	got, ok := svc.Registry().Get("pyret")
	require.True(t, ok)
	assert.Equal(t, path, got.Origin)

	records := recent(t, svc, "pyret")
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeLoaded, records[0].Outcome)
	assert.Equal(t, entry.Digest, records[0].Digest)
}

func TestLoadFile_RejectsCorruptArtifact(t *testing.T) {
	svc := newTestService(t, nil)
	data := artifactBytes(t, "pyret", "name")
	path := writeArtifact(t, svc.Config().GrammarsPath, "pyret.tsg", data[:len(data)-3])

	_, err := svc.LoadFile(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, grammar.ErrCorruptArtifact)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeCorruptArtifact))
	assert.Equal(t, 0, svc.Registry().Len())

	records := recent(t, svc, "")
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeRejected, records[0].Outcome)
	assert.Equal(t, grammar.KindCorruptArtifact.String(), records[0].Kind)
}

func TestLoadFile_EmptyAndMissing(t *testing.T) {
	svc := newTestService(t, nil)
	empty := writeArtifact(t, svc.Config().GrammarsPath, "empty.tsg", nil)

	_, err := svc.LoadFile(context.Background(), empty)
	assert.ErrorIs(t, err, grammar.ErrEmptyArtifact)

	_, err = svc.LoadFile(context.Background(), filepath.Join(svc.Config().GrammarsPath, "missing.tsg"))
	require.Error(t, err)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeNotFound))

	records := recent(t, svc, "")
	require.Len(t, records, 2)
	assert.Equal(t, audit.OutcomeFailed, records[0].Outcome)
	assert.Equal(t, string(domainerrors.CodeNotFound), records[0].Kind)
	assert.Equal(t, audit.OutcomeRejected, records[1].Outcome)
}

func TestLoadFile_HonoursLoaderConfig(t *testing.T) {
	svc := newTestService(t, func(cfg *config.Config) {
		cfg.Loader.MaxSymbols = 1
	})
	path := writeArtifact(t, svc.Config().GrammarsPath, "pyret.tsg", artifactBytes(t, "pyret", "name", "call"))

	_, err := svc.LoadFile(context.Background(), path)
	assert.ErrorIs(t, err, grammar.ErrCorruptArtifact)

	svc.ApplyConfig(func() *config.Config {
		cfg := *svc.Config()
		cfg.Loader.MaxSymbols = 0
		cfg.Loader.MaxVersion = int(grammar.CurrentVersion) - 1
		cfg.Loader.MinVersion = int(grammar.MinCompatibleVersion) - 1
		return &cfg
	}())
	_, err = svc.LoadFile(context.Background(), path)
	assert.ErrorIs(t, err, grammar.ErrIncompatibleVersion)
}

func TestLoadBuiltinsAndProbe(t *testing.T) {
	svc := newTestService(t, nil)

	entries, err := svc.LoadBuiltins(context.Background(), []string{"go", "cobol"})
	require.Error(t, err)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeNotFound))
	require.Len(t, entries, 1)
	assert.Equal(t, registry.FormatBuiltin, entries[0].Format)
	require.NotNil(t, entries[0].Native)

	result, err := svc.Probe(context.Background(), "go", []byte("package main\n\nfunc main() {}\n"))
	require.NoError(t, err)
	assert.Equal(t, "source_file", result.RootKind)
	assert.False(t, result.HasError)
	assert.Greater(t, result.NodeCount, 3)

	_, err = svc.Probe(context.Background(), "cobol", nil)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeNotFound))
}

func TestProbe_CompiledArtifactNotSupported(t *testing.T) {
	svc := newTestService(t, nil)
	path := writeArtifact(t, svc.Config().GrammarsPath, "pyret.tsg", artifactBytes(t, "pyret"))
	_, err := svc.LoadFile(context.Background(), path)
	require.NoError(t, err)

	_, err = svc.Probe(context.Background(), "pyret", []byte("x"))
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeNotSupported))
}

func TestLoadDirectory_DiscoversMatchingFiles(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret"))
	writeArtifact(t, dir, "nested/toml.tsg", artifactBytes(t, "toml"))
	writeArtifact(t, dir, "notes.md", []byte("not a grammar"))
	writeArtifact(t, dir, ".draft.tsg", []byte("ignored"))
	writeArtifact(t, dir, "broken.tsg", []byte("TSGA"))

	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Manifest)
	assert.Len(t, report.Loaded, 2)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "broken", report.Failed[0].Language)
	assert.ErrorIs(t, report.Err(), grammar.ErrCorruptArtifact)

	assert.Equal(t, []string{"pyret", "toml"}, languages(svc.Registry().List()))
}

func TestLoadDirectory_PrunesRemovedArtifacts(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret"))
	toml := writeArtifact(t, dir, "toml.tsg", artifactBytes(t, "toml"))
	_, err := svc.LoadBuiltins(context.Background(), []string{"go"})
	require.NoError(t, err)

	_, err = svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, svc.Registry().Len())

	require.NoError(t, os.Remove(toml))
	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"toml"}, report.Removed)
	assert.Equal(t, []string{"go", "pyret"}, languages(svc.Registry().List()))
}

func writeManifest(t *testing.T, dir string, artifacts ...grammar.ManifestArtifact) {
	t.Helper()
	m := &grammar.Manifest{
		Version:            1,
		AllowedABIVersions: []int{int(grammar.CurrentVersion)},
	}
	for _, art := range artifacts {
		m.AddArtifact(art)
	}
	require.NoError(t, m.Save(filepath.Join(dir, grammar.ManifestFile)))
}

func manifestEntry(t *testing.T, dir, language, file string) grammar.ManifestArtifact {
	t.Helper()
	sum, err := grammar.CalculateSHA256(filepath.Join(dir, file))
	require.NoError(t, err)
	return grammar.ManifestArtifact{
		Language:   language,
		Format:     grammar.FormatCompiled,
		ABIVersion: int(grammar.CurrentVersion),
		Path:       file,
		SHA256:     sum,
	}
}

func TestLoadDirectory_Manifest(t *testing.T) {
	svc := newTestService(t, func(cfg *config.Config) {
		cfg.Loader.RequireName = true
	})
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret/pyret.tsg", artifactBytes(t, "pyret"))
	writeArtifact(t, dir, "toml/toml.tsg", artifactBytes(t, "toml"))
	writeArtifact(t, dir, "json/json.tsg", artifactBytes(t, "yaml"))
	writeArtifact(t, dir, "unlisted.tsg", artifactBytes(t, "unlisted"))

	tampered := manifestEntry(t, dir, "toml", "toml/toml.tsg")
	tampered.SHA256 = fmt.Sprintf("%064d", 0)
	writeManifest(t, dir,
		manifestEntry(t, dir, "pyret", "pyret/pyret.tsg"),
		tampered,
		manifestEntry(t, dir, "json", "json/json.tsg"),
	)

	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Manifest)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "toml", report.Issues[0].Language)
	assert.Equal(t, "checksum mismatch", report.Issues[0].Reason)

	assert.Equal(t, []string{"pyret"}, languages(report.Loaded))
	failed := map[string]error{}
	for _, f := range report.Failed {
		failed[f.Language] = f.Err
	}
	require.Len(t, failed, 2)
	assert.True(t, domainerrors.IsCode(failed["toml"], domainerrors.CodeChecksumMismatch))
	assert.ErrorIs(t, failed["json"], grammar.ErrCorruptArtifact, "declared name must match the manifest language")
}

func TestLoadDirectory_StrictVerification(t *testing.T) {
	svc := newTestService(t, func(cfg *config.Config) {
		cfg.Verification.Strict = true
		cfg.Verification.Required = []string{"python"}
	})
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret"))
	writeManifest(t, dir, manifestEntry(t, dir, "pyret", "pyret.tsg"))

	report, err := svc.LoadDirectory(context.Background())
	require.Error(t, err)
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeChecksumMismatch))
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "language missing from manifest", report.Issues[0].Reason)
	assert.Equal(t, 0, svc.Registry().Len())
}

func TestLoadDirectory_NodeTypesMustBeDeclared(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret", "name"))
	writeArtifact(t, dir, "ok.json", []byte(`[{"type": "name", "named": true}]`))
	writeArtifact(t, dir, "bad.json", []byte(`[{"type": "name", "named": true}, {"type": "app_expr", "named": true}]`))

	entry := manifestEntry(t, dir, "pyret", "pyret.tsg")
	entry.NodeTypesPath = "ok.json"
	sum, err := grammar.CalculateSHA256(filepath.Join(dir, "ok.json"))
	require.NoError(t, err)
	entry.NodeTypesSHA256 = sum
	writeManifest(t, dir, entry)

	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Len(t, report.Loaded, 1)

	entry.NodeTypesPath = "bad.json"
	sum, err = grammar.CalculateSHA256(filepath.Join(dir, "bad.json"))
	require.NoError(t, err)
	entry.NodeTypesSHA256 = sum
	writeManifest(t, dir, entry)

	report, err = svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, grammar.ErrCorruptArtifact)
	assert.Contains(t, report.Failed[0].Err.Error(), "app_expr")
}

func TestReload_AppliesChanges(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	pyret := writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret"))
	toml := writeArtifact(t, dir, "toml.tsg", artifactBytes(t, "toml"))
	_, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)

	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret", "name"))
	require.NoError(t, os.Remove(toml))

	report, err := svc.Reload(context.Background(), []watcher.Change{
		{Path: pyret},
		{Path: toml, Removed: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"toml"}, report.Removed)
	require.Len(t, report.Loaded, 1)

	entry, ok := svc.Registry().Get("pyret")
	require.True(t, ok)
	assert.Equal(t, 2, entry.SymbolCount)
	_, ok = svc.Registry().Get("toml")
	assert.False(t, ok)
}

func TestReload_ManifestChangeReloadsDirectory(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret"))
	writeManifest(t, dir, manifestEntry(t, dir, "pyret", "pyret.tsg"))

	report, err := svc.Reload(context.Background(), []watcher.Change{{Path: filepath.Join(dir, grammar.ManifestFile)}})
	require.NoError(t, err)
	assert.True(t, report.Manifest)
	assert.Len(t, report.Loaded, 1)
}

func TestHealth(t *testing.T) {
	svc := newTestService(t, func(cfg *config.Config) {
		cfg.Verification.Required = []string{"go"}
	})

	report := svc.Health(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "empty", report.Checks["registry"])
	assert.Equal(t, "missing", report.Checks["required:go"])

	_, err := svc.LoadBuiltins(context.Background(), []string{"go"})
	require.NoError(t, err)

	report = svc.Health(context.Background())
	assert.Equal(t, "up", report.Status)
	assert.Equal(t, 1, report.Languages)
	assert.Equal(t, "ok", report.Checks["audit"])
	assert.Equal(t, "0 leased, oldest 0s", report.Checks["parser_pools"])

	_, err = svc.Probe(context.Background(), "go", []byte("package main\n"))
	require.NoError(t, err)
	report = svc.Health(context.Background())
	assert.Equal(t, "0 leased, oldest 0s", report.Checks["parser_pools"])
}

func TestLoadDirectory_ManifestExternalTokens(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret/pyret.tsg", artifactBytes(t, "pyret", "paren_space"))

	entry := manifestEntry(t, dir, "pyret", "pyret/pyret.tsg")
	entry.ExternalTokens = []string{"paren_space"}
	writeManifest(t, dir, entry)

	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, grammar.KindCorruptArtifact, grammar.KindOf(report.Failed[0].Err))
	assert.Contains(t, report.Failed[0].Err.Error(), `token "paren_space" is not external`)
}

func TestLoadFile_UniqueFieldNames(t *testing.T) {
	svc := newTestService(t, func(cfg *config.Config) {
		cfg.Loader.UniqueFields = true
	})
	data, err := grammar.Encode(grammar.Definition{
		Name:       "dup",
		Version:    grammar.CurrentVersion,
		Symbols:    []grammar.Symbol{{Name: "end"}},
		TokenCount: 1,
		Fields:     []string{"body", "body"},
	})
	require.NoError(t, err)
	path := writeArtifact(t, svc.Config().GrammarsPath, "dup.tsg", data)

	_, err = svc.LoadFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate field "body"`)
}

func TestLanguageFromFile(t *testing.T) {
	cases := map[string]string{
		"grammars/go.tsg":                   "go",
		"grammars/libtree-sitter-rust.so":   "rust",
		"tree-sitter-c_sharp.dylib":         "c_sharp",
		"grammars/nested/Python.tsg":        "python",
		"grammars/libtree-sitter-ocaml.dll": "ocaml",
	}
	for path, want := range cases {
		assert.Equal(t, want, languageFromFile(path), path)
	}
}

func languages(entries []registry.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Language)
	}
	return out
}

func TestLoadDirectory_FailedReloadKeepsLastGood(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret", "name"))

	_, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)

	writeArtifact(t, dir, "pyret.tsg", []byte("TSGA\x0f"))
	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Empty(t, report.Removed)

	entry, ok := svc.Registry().Get("pyret")
	require.True(t, ok)
	assert.Equal(t, 2, entry.SymbolCount)
}

func TestLoadDirectory_MixedCaseNameSurvivesReload(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "Pyret", "name"))

	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Loaded, 1)
	assert.Equal(t, "pyret", report.Loaded[0].Language)

	report, err = svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	assert.Equal(t, 1, svc.Registry().Len())
	_, ok := svc.Registry().Get("Pyret")
	assert.True(t, ok)
}

func TestLoadDirectory_FailedReloadKeepsEntryNamedByArtifact(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "foo.tsg", artifactBytes(t, "pyret", "name"))

	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Loaded, 1)

	writeArtifact(t, dir, "foo.tsg", []byte("TSGA\x0f"))
	report, err = svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Empty(t, report.Removed)

	entry, ok := svc.Registry().Get("pyret")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "foo.tsg"), entry.Origin)
}

func TestLoadDirectory_NodeTypesFailureIsAudited(t *testing.T) {
	svc := newTestService(t, nil)
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret", "name"))
	writeArtifact(t, dir, "bad.json", []byte(`{"type": `))

	entry := manifestEntry(t, dir, "pyret", "pyret.tsg")
	entry.NodeTypesPath = "bad.json"
	sum, err := grammar.CalculateSHA256(filepath.Join(dir, "bad.json"))
	require.NoError(t, err)
	entry.NodeTypesSHA256 = sum
	writeManifest(t, dir, entry)

	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)

	records := recent(t, svc, "pyret")
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeFailed, records[0].Outcome)
	assert.Equal(t, string(domainerrors.CodeValidationError), records[0].Kind)
	assert.Equal(t, filepath.Join(dir, "pyret.tsg"), records[0].Origin)
}

func TestLoadDirectory_ExcludesRelativePaths(t *testing.T) {
	svc := newTestService(t, func(cfg *config.Config) {
		cfg.Discovery.Exclude = []string{".*", "vendor/*"}
	})
	dir := svc.Config().GrammarsPath
	writeArtifact(t, dir, "pyret.tsg", artifactBytes(t, "pyret"))
	writeArtifact(t, dir, filepath.Join("vendor", "toml.tsg"), artifactBytes(t, "toml"))
	writeArtifact(t, dir, filepath.Join("extra", "json.tsg"), artifactBytes(t, "json"))

	report, err := svc.LoadDirectory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"json", "pyret"}, languages(svc.Registry().List()))
}
