package report

import (
	"fmt"
	"strings"
	"time"
)

type MarkdownOptions struct {
	Version     string
	GeneratedAt time.Time
}

// GenerateMarkdown renders findings as a Markdown document with front matter.
func GenerateMarkdown(findings Findings, opts MarkdownOptions) string {
	if opts.GeneratedAt.IsZero() {
		opts.GeneratedAt = time.Now().UTC()
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("title: Grammar Verification Report\n")
	b.WriteString("generated_at: " + opts.GeneratedAt.UTC().Format(time.RFC3339) + "\n")
	b.WriteString("version: " + nonEmpty(opts.Version, "unknown") + "\n")
	b.WriteString("---\n\n")

	b.WriteString("# Grammar Verification Report\n\n")
	b.WriteString("## Summary\n")
	b.WriteString("| Metric | Value |\n")
	b.WriteString("| --- | --- |\n")
	b.WriteString(fmt.Sprintf("| Grammars Path | `%s` |\n", nonEmpty(findings.GrammarsRoot, "-")))
	b.WriteString(fmt.Sprintf("| Manifest Artifacts | %d |\n", findings.Artifacts))
	b.WriteString(fmt.Sprintf("| Loaded | %d |\n", len(findings.Loaded)))
	b.WriteString(fmt.Sprintf("| Verification Issues | %d |\n", len(findings.Issues)))
	b.WriteString(fmt.Sprintf("| Load Failures | %d |\n\n", len(findings.Failures)))

	if findings.Clean() {
		b.WriteString("All grammars passed.\n")
	}

	if len(findings.Loaded) > 0 {
		b.WriteString("## Loaded Grammars\n")
		b.WriteString("| Language | Format | ABI | Symbols | States | Digest |\n")
		b.WriteString("| --- | --- | --- | --- | --- | --- |\n")
		for _, e := range findings.Loaded {
			b.WriteString(fmt.Sprintf("| `%s` | %s | %d | %d | %d | `%s` |\n",
				e.Language, e.Format, e.Version, e.SymbolCount, e.StateCount, nonEmpty(e.Digest, "-")))
		}
		b.WriteString("\n")
	}

	if len(findings.Issues) > 0 {
		b.WriteString("## Verification Issues\n")
		b.WriteString("| Rule | Language | Artifact | Reason |\n")
		b.WriteString("| --- | --- | --- | --- |\n")
		for _, issue := range findings.Issues {
			b.WriteString(fmt.Sprintf("| %s | `%s` | `%s` | %s |\n",
				issueRule(issue), issue.Language, nonEmpty(issue.ArtifactPath, "-"), escapeCell(issue.Reason)))
		}
		b.WriteString("\n")
	}

	if len(findings.Failures) > 0 {
		b.WriteString("## Load Failures\n")
		b.WriteString("| Rule | Language | Path | Kind | Message |\n")
		b.WriteString("| --- | --- | --- | --- | --- |\n")
		for _, f := range findings.sortedFailures() {
			b.WriteString(fmt.Sprintf("| %s | `%s` | `%s` | %s | %s |\n",
				failureRule(f), nonEmpty(f.Language, "-"), relativeURI(findings.GrammarsRoot, f.Path), f.Kind, escapeCell(f.Message)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func escapeCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	return strings.ReplaceAll(value, "\n", " ")
}
