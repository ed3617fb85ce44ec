package grammar

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	domainerrors "grammargate/internal/core/errors"
)

const (
	KindArtifact  = "artifact"
	KindNodeTypes = "node-types"
)

type VerificationIssue struct {
	Language     string
	ArtifactKind string
	ArtifactPath string
	ExpectedHash string
	ActualHash   string
	Reason       string
}

func (i VerificationIssue) String() string {
	if i.ArtifactPath == "" {
		return fmt.Sprintf("%s: %s", i.Language, i.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", i.Language, i.Reason, i.ArtifactPath)
}

// VerifyArtifacts checks every manifest entry against the files under baseDir.
// Issues are sorted by language, kind, path and reason.
func VerifyArtifacts(baseDir string, manifest *Manifest) ([]VerificationIssue, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, domainerrors.New(domainerrors.CodeValidationError, "baseDir must not be empty")
	}
	if manifest == nil {
		return nil, domainerrors.New(domainerrors.CodeValidationError, "manifest must not be nil")
	}

	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeValidationError, "grammar base path is not a directory"),
			domainerrors.CtxPath, baseDir,
		)
	}

	issues := make([]VerificationIssue, 0)
	for _, artifact := range manifest.Artifacts {
		if !manifest.AllowsVersion(artifact.ABIVersion) {
			issues = append(issues, VerificationIssue{
				Language: artifact.Language,
				Reason:   fmt.Sprintf("unsupported ABI version %d", artifact.ABIVersion),
			})
		}
		issues = append(issues, verifyArtifactHash(baseDir, artifact.Language, KindArtifact, artifact.Path, artifact.SHA256)...)
		if artifact.NodeTypesPath != "" {
			issues = append(issues, verifyArtifactHash(baseDir, artifact.Language, KindNodeTypes, artifact.NodeTypesPath, artifact.NodeTypesSHA256)...)
		}
	}

	sortIssues(issues)
	return issues, nil
}

// FilterIssues keeps issues for the given languages and reports required
// languages the manifest does not mention.
func FilterIssues(issues []VerificationIssue, manifest *Manifest, enabled, required []string) []VerificationIssue {
	keep := make(map[string]bool, len(enabled))
	for _, language := range enabled {
		keep[language] = true
	}

	filtered := make([]VerificationIssue, 0, len(issues))
	for _, issue := range issues {
		if len(keep) == 0 || keep[issue.Language] {
			filtered = append(filtered, issue)
		}
	}
	for _, language := range required {
		if _, ok := manifest.Find(language); !ok {
			filtered = append(filtered, VerificationIssue{
				Language: language,
				Reason:   "language missing from manifest",
			})
		}
	}

	sortIssues(filtered)
	return filtered
}

func sortIssues(issues []VerificationIssue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Language != issues[j].Language {
			return issues[i].Language < issues[j].Language
		}
		if issues[i].ArtifactKind != issues[j].ArtifactKind {
			return issues[i].ArtifactKind < issues[j].ArtifactKind
		}
		if issues[i].ArtifactPath != issues[j].ArtifactPath {
			return issues[i].ArtifactPath < issues[j].ArtifactPath
		}
		return issues[i].Reason < issues[j].Reason
	})
}

func verifyArtifactHash(baseDir, language, kind, relPath, expectedHash string) []VerificationIssue {
	fullPath := filepath.Join(baseDir, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return []VerificationIssue{{
			Language:     language,
			ArtifactKind: kind,
			ArtifactPath: relPath,
			ExpectedHash: expectedHash,
			ActualHash:   "<missing>",
			Reason:       "artifact missing or unreadable",
		}}
	}

	actual := fmt.Sprintf("%x", sha256.Sum256(data))
	if actual == expectedHash {
		return nil
	}
	return []VerificationIssue{{
		Language:     language,
		ArtifactKind: kind,
		ArtifactPath: relPath,
		ExpectedHash: expectedHash,
		ActualHash:   actual,
		Reason:       "checksum mismatch",
	}}
}
