package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"grammargate/internal/data/audit"
	"grammargate/internal/engine/parser/grammar"
	"grammargate/internal/engine/registry"
)

var (
	okLabel   = color.New(color.FgGreen, color.Bold).SprintFunc()
	failLabel = color.New(color.FgRed, color.Bold).SprintFunc()
	warnLabel = color.New(color.FgYellow, color.Bold).SprintFunc()
	dim       = color.New(color.Faint).SprintFunc()
)

func outcomeLabel(outcome string) string {
	switch outcome {
	case audit.OutcomeLoaded:
		return okLabel(outcome)
	case audit.OutcomeRejected:
		return warnLabel(outcome)
	default:
		return failLabel(outcome)
	}
}

func printEntry(w io.Writer, e registry.Entry) {
	digest := e.Digest
	if digest == "" {
		digest = "-"
	}
	fmt.Fprintf(w, "%s %s abi=%d symbols=%d states=%d format=%s digest=%s %s\n",
		okLabel("OK"), e.Language, e.Version, e.SymbolCount, e.StateCount, e.Format, digest, dim(e.Origin))
}

func printFailure(w io.Writer, path string, err error) {
	label := failLabel("FAIL")
	if kind := grammar.KindOf(err); kind != 0 {
		label = warnLabel("REJECTED")
	}
	fmt.Fprintf(w, "%s %s: %v\n", label, path, err)
}
