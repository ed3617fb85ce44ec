package report

import (
	"sort"
	"strings"

	"grammargate/internal/engine/parser/grammar"
	"grammargate/internal/engine/registry"
)

// Failure is a grammar that did not make it into the registry.
type Failure struct {
	Language string
	Path     string
	// Kind is the LoadError kind for rejected artifacts, or an error code otherwise.
	Kind     string
	Rejected bool
	Message  string
}

// Findings is everything a verification or load pass produced.
type Findings struct {
	GrammarsRoot string
	Artifacts    int
	Loaded       []registry.Entry
	Issues       []grammar.VerificationIssue
	Failures     []Failure
}

// Clean reports whether the pass found nothing to flag.
func (f Findings) Clean() bool {
	return len(f.Issues) == 0 && len(f.Failures) == 0
}

func (f Findings) sortedFailures() []Failure {
	out := append([]Failure(nil), f.Failures...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Language != out[j].Language {
			return out[i].Language < out[j].Language
		}
		return out[i].Path < out[j].Path
	})
	return out
}

const (
	ruleIDChecksum       = "GG001"
	ruleIDMissing        = "GG002"
	ruleIDUnsupportedABI = "GG003"
	ruleIDManifest       = "GG004"
	ruleIDRejected       = "GG005"
	ruleIDLoadFailed     = "GG006"
)

func issueRule(issue grammar.VerificationIssue) string {
	switch {
	case issue.ActualHash == "<missing>":
		return ruleIDMissing
	case issue.ActualHash != "":
		return ruleIDChecksum
	case strings.Contains(issue.Reason, "ABI"):
		return ruleIDUnsupportedABI
	default:
		return ruleIDManifest
	}
}

func failureRule(f Failure) string {
	if f.Rejected {
		return ruleIDRejected
	}
	return ruleIDLoadFailed
}
