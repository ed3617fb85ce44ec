package grammar

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	domainerrors "grammargate/internal/core/errors"
	"grammargate/internal/shared/util"
)

const ManifestFile = "manifest.toml"

// Artifact formats a manifest entry can reference.
const (
	FormatCompiled     = "tsg"
	FormatSharedObject = "shared-object"
)

type Manifest struct {
	Version            int                `toml:"version"`
	AllowedABIVersions []int              `toml:"allowed_abi_versions"`
	Artifacts          []ManifestArtifact `toml:"artifacts"`
}

type ManifestArtifact struct {
	Language        string `toml:"language"`
	Format          string `toml:"format"`
	ABIVersion      int    `toml:"abi_version"`
	Path            string `toml:"path"`
	SHA256          string `toml:"sha256"`
	NodeTypesPath   string `toml:"node_types_path,omitempty"`
	NodeTypesSHA256 string `toml:"node_types_sha256,omitempty"`
	// Symbol overrides the exported tree_sitter_<language> name for shared objects.
	Symbol string `toml:"symbol,omitempty"`
	// ExternalTokens must all be present as external tokens in a tsg artifact.
	ExternalTokens []string `toml:"external_tokens,omitempty"`
	Source         string   `toml:"source,omitempty"`
	ApprovedDate   string   `toml:"approved_date,omitempty"`
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if _, err := toml.Decode(string(data), &manifest); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeValidationError, "decode grammar manifest")
	}
	if err := manifest.normalize(); err != nil {
		return nil, domainerrors.AddContext(err, domainerrors.CtxPath, path)
	}
	return &manifest, nil
}

func (m *Manifest) normalize() error {
	if m.Version <= 0 {
		return domainerrors.New(domainerrors.CodeValidationError, "manifest version must be > 0")
	}
	if len(m.AllowedABIVersions) == 0 {
		return domainerrors.New(domainerrors.CodeValidationError, "manifest must define allowed_abi_versions")
	}
	if len(m.Artifacts) == 0 {
		return domainerrors.New(domainerrors.CodeValidationError, "manifest must define at least one artifact")
	}

	seen := make(map[string]bool, len(m.Artifacts))
	for i, artifact := range m.Artifacts {
		ref := fmt.Sprintf("artifacts[%d]", i)
		artifact.Language = strings.TrimSpace(strings.ToLower(artifact.Language))
		artifact.Format = strings.TrimSpace(strings.ToLower(artifact.Format))
		artifact.Path = filepath.Clean(strings.TrimSpace(artifact.Path))
		artifact.SHA256 = strings.TrimSpace(strings.ToLower(artifact.SHA256))
		artifact.NodeTypesPath = strings.TrimSpace(artifact.NodeTypesPath)
		artifact.NodeTypesSHA256 = strings.TrimSpace(strings.ToLower(artifact.NodeTypesSHA256))
		artifact.Symbol = strings.TrimSpace(artifact.Symbol)
		artifact.Source = strings.TrimSpace(artifact.Source)
		artifact.ApprovedDate = strings.TrimSpace(artifact.ApprovedDate)
		tokens := artifact.ExternalTokens[:0]
		for _, tok := range artifact.ExternalTokens {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens = append(tokens, tok)
			}
		}
		artifact.ExternalTokens = tokens
		if artifact.Format == "" {
			artifact.Format = FormatCompiled
		}

		if artifact.Language == "" {
			return domainerrors.New(domainerrors.CodeValidationError, ref+".language must not be empty")
		}
		if seen[artifact.Language] {
			return domainerrors.New(domainerrors.CodeValidationError, fmt.Sprintf("duplicate language entry %q in manifest", artifact.Language))
		}
		seen[artifact.Language] = true
		if artifact.Format != FormatCompiled && artifact.Format != FormatSharedObject {
			return domainerrors.New(domainerrors.CodeValidationError, fmt.Sprintf("%s.format %q is not one of %s, %s", ref, artifact.Format, FormatCompiled, FormatSharedObject))
		}
		if artifact.ABIVersion <= 0 {
			return domainerrors.New(domainerrors.CodeValidationError, ref+".abi_version must be > 0")
		}
		if artifact.Path == "." || artifact.SHA256 == "" {
			return domainerrors.New(domainerrors.CodeValidationError, ref+".path and sha256 must not be empty")
		}
		if (artifact.NodeTypesPath == "") != (artifact.NodeTypesSHA256 == "") {
			return domainerrors.New(domainerrors.CodeValidationError, ref+".node_types_path and node_types_sha256 must be set together")
		}
		if artifact.NodeTypesPath != "" {
			artifact.NodeTypesPath = filepath.Clean(artifact.NodeTypesPath)
		}
		m.Artifacts[i] = artifact
	}
	return nil
}

func (m *Manifest) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return err
	}
	return util.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// Find returns the entry for language, if any.
func (m *Manifest) Find(language string) (ManifestArtifact, bool) {
	language = strings.ToLower(strings.TrimSpace(language))
	for _, art := range m.Artifacts {
		if art.Language == language {
			return art, true
		}
	}
	return ManifestArtifact{}, false
}

// AddArtifact inserts art or replaces the entry with the same language.
func (m *Manifest) AddArtifact(art ManifestArtifact) {
	if art.ApprovedDate == "" {
		art.ApprovedDate = time.Now().Format("2006-01-02")
	}
	for i, existing := range m.Artifacts {
		if existing.Language == art.Language {
			m.Artifacts[i] = art
			return
		}
	}
	m.Artifacts = append(m.Artifacts, art)
}

// RemoveArtifact reports whether an entry was removed.
func (m *Manifest) RemoveArtifact(language string) bool {
	out := make([]ManifestArtifact, 0, len(m.Artifacts))
	for _, art := range m.Artifacts {
		if art.Language != language {
			out = append(out, art)
		}
	}
	removed := len(out) != len(m.Artifacts)
	m.Artifacts = out
	return removed
}

// AllowsVersion reports whether v is one of the manifest's allowed ABI versions.
func (m *Manifest) AllowsVersion(v int) bool {
	for _, allowed := range m.AllowedABIVersions {
		if allowed == v {
			return true
		}
	}
	return false
}

func CalculateSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
