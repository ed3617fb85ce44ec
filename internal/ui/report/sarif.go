// # internal/ui/report/sarif.go
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// SARIF v2.1.0 schema: https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json

const (
	sarifSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
	sarifVersion = "2.1.0"
)

type sarifReport struct {
	Schema  string     `json:"$schema"`
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool     `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Rules   []sarifRule `json:"rules"`
}

type sarifRule struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	ShortDescription sarifMessage           `json:"shortDescription"`
	DefaultConfig    sarifRuleDefaultConfig `json:"defaultConfiguration"`
}

type sarifRuleDefaultConfig struct {
	Level string `json:"level"`
}

type sarifResult struct {
	RuleID     string            `json:"ruleId"`
	Level      string            `json:"level"`
	Message    sarifMessage      `json:"message"`
	Locations  []sarifLocation   `json:"locations,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type sarifMessage struct {
	Text string `json:"text"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysicalLocation `json:"physicalLocation"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifactLocation `json:"artifactLocation"`
}

type sarifArtifactLocation struct {
	URI       string `json:"uri"`
	URIBaseID string `json:"uriBaseId"`
}

var sarifRules = map[string]sarifRule{
	ruleIDChecksum: {
		ID:               ruleIDChecksum,
		Name:             "ChecksumMismatch",
		ShortDescription: sarifMessage{Text: "Artifact contents do not match the manifest checksum."},
		DefaultConfig:    sarifRuleDefaultConfig{Level: "error"},
	},
	ruleIDMissing: {
		ID:               ruleIDMissing,
		Name:             "MissingArtifact",
		ShortDescription: sarifMessage{Text: "An artifact listed in the manifest is missing or unreadable."},
		DefaultConfig:    sarifRuleDefaultConfig{Level: "error"},
	},
	ruleIDUnsupportedABI: {
		ID:               ruleIDUnsupportedABI,
		Name:             "UnsupportedABIVersion",
		ShortDescription: sarifMessage{Text: "The manifest entry uses an ABI version outside allowed_abi_versions."},
		DefaultConfig:    sarifRuleDefaultConfig{Level: "error"},
	},
	ruleIDManifest: {
		ID:               ruleIDManifest,
		Name:             "ManifestIssue",
		ShortDescription: sarifMessage{Text: "The grammar manifest is incomplete for the configured languages."},
		DefaultConfig:    sarifRuleDefaultConfig{Level: "warning"},
	},
	ruleIDRejected: {
		ID:               ruleIDRejected,
		Name:             "RejectedArtifact",
		ShortDescription: sarifMessage{Text: "The loader rejected the artifact as empty, incompatible or corrupt."},
		DefaultConfig:    sarifRuleDefaultConfig{Level: "error"},
	},
	ruleIDLoadFailed: {
		ID:               ruleIDLoadFailed,
		Name:             "LoadFailed",
		ShortDescription: sarifMessage{Text: "The grammar could not be loaded."},
		DefaultConfig:    sarifRuleDefaultConfig{Level: "error"},
	},
}

// GenerateSARIF builds a SARIF v2.1.0 document from verification and load
// findings. URIs are relative to GrammarsRoot so reports are safe to share.
func GenerateSARIF(findings Findings, toolVersion string) ([]byte, error) {
	results := make([]sarifResult, 0, len(findings.Issues)+len(findings.Failures))
	used := make(map[string]bool)

	for _, issue := range findings.Issues {
		rule := issueRule(issue)
		used[rule] = true
		result := sarifResult{
			RuleID:  rule,
			Level:   sarifRules[rule].DefaultConfig.Level,
			Message: sarifMessage{Text: fmt.Sprintf("%s: %s", issue.Language, issue.Reason)},
		}
		if issue.ArtifactPath != "" {
			result.Locations = []sarifLocation{location(findings.GrammarsRoot, issue.ArtifactPath)}
		}
		if issue.ExpectedHash != "" {
			result.Properties = map[string]string{"expectedSha256": issue.ExpectedHash, "actualSha256": issue.ActualHash}
		}
		results = append(results, result)
	}

	for _, f := range findings.sortedFailures() {
		rule := failureRule(f)
		used[rule] = true
		result := sarifResult{
			RuleID:     rule,
			Level:      "error",
			Message:    sarifMessage{Text: f.Message},
			Properties: map[string]string{"kind": f.Kind},
		}
		if f.Language != "" {
			result.Properties["language"] = f.Language
		}
		if f.Path != "" {
			result.Locations = []sarifLocation{location(findings.GrammarsRoot, f.Path)}
		}
		results = append(results, result)
	}

	rules := make([]sarifRule, 0, len(used))
	for _, id := range []string{ruleIDChecksum, ruleIDMissing, ruleIDUnsupportedABI, ruleIDManifest, ruleIDRejected, ruleIDLoadFailed} {
		if used[id] {
			rules = append(rules, sarifRules[id])
		}
	}

	report := sarifReport{
		Schema:  sarifSchema,
		Version: sarifVersion,
		Runs: []sarifRun{
			{
				Tool: sarifTool{
					Driver: sarifDriver{
						Name:    "grammargate",
						Version: toolVersion,
						Rules:   rules,
					},
				},
				Results: results,
			},
		},
	}
	return json.MarshalIndent(report, "", "  ")
}

func location(root, path string) sarifLocation {
	return sarifLocation{
		PhysicalLocation: sarifPhysicalLocation{
			ArtifactLocation: sarifArtifactLocation{
				URI:       relativeURI(root, path),
				URIBaseID: "%SRCROOT%",
			},
		},
	}
}

// relativeURI converts a path to a forward-slash URI relative to root. Paths
// that are already relative are returned as-is.
func relativeURI(root, path string) string {
	if root != "" && filepath.IsAbs(path) {
		if rel, err := filepath.Rel(root, path); err == nil {
			path = rel
		}
	}
	return filepath.ToSlash(path)
}
