package grammar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "grammargate/internal/core/errors"
)

const pyretManifest = `
version = 1
allowed_abi_versions = [14, 15]

[[artifacts]]
language = " Pyret "
abi_version = 15
path = "pyret/pyret.tsg"
sha256 = "ABC"
source = "https://github.com/ironm00n/tree-sitter-pyret"

[[artifacts]]
language = "go"
format = "shared-object"
abi_version = 14
path = "go/libtree-sitter-go.so"
sha256 = "def"
node_types_path = "go/node-types.json"
node_types_sha256 = "123"
`

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ManifestFile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadManifest_Normalizes(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, t.TempDir(), pyretManifest))
	require.NoError(t, err)
	require.Len(t, m.Artifacts, 2)

	pyret, ok := m.Find("PYRET")
	require.True(t, ok)
	assert.Equal(t, "pyret", pyret.Language)
	assert.Equal(t, FormatCompiled, pyret.Format)
	assert.Equal(t, "abc", pyret.SHA256)
	assert.Equal(t, filepath.Join("pyret", "pyret.tsg"), pyret.Path)

	goEntry, ok := m.Find("go")
	require.True(t, ok)
	assert.Equal(t, FormatSharedObject, goEntry.Format)
	assert.True(t, m.AllowsVersion(14))
	assert.False(t, m.AllowsVersion(13))
}

func TestLoadManifest_Rejects(t *testing.T) {
	tests := map[string]string{
		"zero version":    "version = 0\nallowed_abi_versions=[15]\n[[artifacts]]\nlanguage='a'\nabi_version=15\npath='a'\nsha256='x'\n",
		"no abi versions": "version = 1\n[[artifacts]]\nlanguage='a'\nabi_version=15\npath='a'\nsha256='x'\n",
		"no artifacts":    "version = 1\nallowed_abi_versions=[15]\n",
		"duplicate":       "version = 1\nallowed_abi_versions=[15]\n[[artifacts]]\nlanguage='a'\nabi_version=15\npath='a'\nsha256='x'\n[[artifacts]]\nlanguage='A'\nabi_version=15\npath='b'\nsha256='y'\n",
		"unknown format":  "version = 1\nallowed_abi_versions=[15]\n[[artifacts]]\nlanguage='a'\nformat='wasm'\nabi_version=15\npath='a'\nsha256='x'\n",
		"missing hash":    "version = 1\nallowed_abi_versions=[15]\n[[artifacts]]\nlanguage='a'\nabi_version=15\npath='a'\n",
		"half node types": "version = 1\nallowed_abi_versions=[15]\n[[artifacts]]\nlanguage='a'\nabi_version=15\npath='a'\nsha256='x'\nnode_types_path='n.json'\n",
		"missing abi":     "version = 1\nallowed_abi_versions=[15]\n[[artifacts]]\nlanguage='a'\npath='a'\nsha256='x'\n",
		"not toml":        "version = [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadManifest(writeManifest(t, t.TempDir(), body))
			require.Error(t, err)
			assert.True(t, domainerrors.IsCode(err, domainerrors.CodeValidationError), "got %v", err)
		})
	}
}

func TestManifest_AddRemoveSave(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{Version: 1, AllowedABIVersions: []int{15}}
	m.AddArtifact(ManifestArtifact{Language: "pyret", ABIVersion: 15, Path: "pyret.tsg", SHA256: "aa"})
	m.AddArtifact(ManifestArtifact{Language: "pyret", ABIVersion: 15, Path: "pyret.tsg", SHA256: "bb"})
	require.Len(t, m.Artifacts, 1)
	assert.Equal(t, "bb", m.Artifacts[0].SHA256)
	assert.NotEmpty(t, m.Artifacts[0].ApprovedDate)

	path := filepath.Join(dir, ManifestFile)
	require.NoError(t, m.Save(path))
	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "bb", loaded.Artifacts[0].SHA256)

	assert.True(t, m.RemoveArtifact("pyret"))
	assert.False(t, m.RemoveArtifact("pyret"))
	assert.Empty(t, m.Artifacts)
}

func TestCalculateSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tsg")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	sum, err := CalculateSHA256(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
	assert.Equal(t, 64, len(strings.TrimSpace(sum)))
}
