package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	coreapp "grammargate/internal/core/app"
	domainerrors "grammargate/internal/core/errors"
	"grammargate/internal/engine/parser"
	"grammargate/internal/engine/parser/grammar"
	"grammargate/internal/shared/util"
	"grammargate/internal/ui/report"
)

func (s *session) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("grammargate "+name, flag.ContinueOnError)
	fs.SetOutput(s.stderr)
	return fs
}

func (s *session) openService() (*coreapp.Service, bool) {
	svc, err := coreapp.Open(s.cfg)
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to initialize: %v\n", err)
		return nil, false
	}
	return svc, true
}

func (s *session) runLoad(ctx context.Context, args []string) int {
	fs := s.newFlagSet("load")
	probe := fs.String("probe", "", "Parse this source file with each loaded native grammar")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(s.stderr, "Usage: grammargate load [--probe <source>] <artifact>...")
		return 2
	}

	svc, ok := s.openService()
	if !ok {
		return 1
	}
	defer svc.Close()

	var source []byte
	if *probe != "" {
		data, err := os.ReadFile(*probe)
		if err != nil {
			fmt.Fprintf(s.stderr, "Failed to read probe source: %v\n", err)
			return 1
		}
		source = data
	}

	exit := 0
	for _, path := range fs.Args() {
		entry, err := svc.LoadPath(ctx, path)
		if err != nil {
			printFailure(s.stdout, path, err)
			exit = 1
			continue
		}
		printEntry(s.stdout, entry)
		if source != nil && entry.Native != nil {
			if code := s.printProbe(ctx, svc, entry.Language, source); code != 0 {
				exit = code
			}
		}
	}
	return exit
}

func (s *session) printProbe(ctx context.Context, svc *coreapp.Service, language string, source []byte) int {
	result, err := svc.Probe(ctx, language, source)
	if err != nil {
		fmt.Fprintf(s.stdout, "  probe %s\n", failLabel(err.Error()))
		return 1
	}
	status := okLabel("clean")
	if result.HasError {
		status = warnLabel("syntax errors")
	}
	fmt.Fprintf(s.stdout, "  probe root=%s nodes=%d %s %s\n", result.RootKind, result.NodeCount, status, dim(result.Duration))
	return 0
}

func (s *session) runInspect(args []string) int {
	fs := s.newFlagSet("inspect")
	symbols := fs.Bool("symbols", false, "List the symbol table")
	fields := fs.Bool("fields", false, "List field names")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(s.stderr, "Usage: grammargate inspect [--symbols] [--fields] <artifact>")
		return 2
	}

	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to read artifact: %v\n", err)
		return 1
	}
	h, err := coreapp.NewLoader(s.cfg).Load(grammar.Artifact{Data: data, Origin: path})
	if err != nil {
		printFailure(s.stdout, path, err)
		return 1
	}

	w := tabwriter.NewWriter(s.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "language\t%s\n", h.Name())
	fmt.Fprintf(w, "origin\t%s\n", h.Origin())
	fmt.Fprintf(w, "abi\t%d\n", h.Version())
	fmt.Fprintf(w, "digest\t%s\n", h.Digest())
	fmt.Fprintf(w, "symbols\t%d (tokens %d, external %d)\n", h.SymbolCount(), h.TokenCount(), h.ExternalTokenCount())
	fmt.Fprintf(w, "fields\t%d\n", h.FieldCount())
	fmt.Fprintf(w, "states\t%d\n", h.StateCount())
	fmt.Fprintf(w, "external scanner\t%t\n", h.HasExternalScanner())
	w.Flush()

	def := grammar.Decode(h)
	if *symbols {
		fmt.Fprintln(s.stdout)
		w = tabwriter.NewWriter(s.stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tFLAGS")
		for id, sym := range def.Symbols {
			fmt.Fprintf(w, "%d\t%s\t%s\n", id, sym.Name, symbolFlags(h, uint32(id), sym))
		}
		w.Flush()
	}
	if *fields {
		fmt.Fprintln(s.stdout)
		w = tabwriter.NewWriter(s.stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFIELD")
		for id, name := range def.Fields {
			fmt.Fprintf(w, "%d\t%s\n", id, name)
		}
		w.Flush()
	}
	return 0
}

func symbolFlags(h *grammar.Handle, id uint32, sym grammar.Symbol) string {
	var flags []string
	if id < uint32(h.TokenCount()) {
		flags = append(flags, "token")
	}
	if h.IsExternal(id) {
		flags = append(flags, "external")
	}
	if sym.Visible {
		flags = append(flags, "visible")
	}
	if sym.Named {
		flags = append(flags, "named")
	}
	if sym.Supertype {
		flags = append(flags, "supertype")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func (s *session) runVerify(ctx context.Context, args []string) int {
	fs := s.newFlagSet("verify")
	format := fs.String("format", "text", "Output format: text, sarif or markdown")
	load := fs.Bool("load", false, "Also load every manifest artifact and report rejections")
	output := fs.String("o", "", "Write the report to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(s.stderr, "Usage: grammargate verify [--format text|sarif|markdown] [--load] [-o file]")
		return 2
	}
	switch *format {
	case "text", "sarif", "markdown":
	default:
		fmt.Fprintf(s.stderr, "Unknown format %q\n", *format)
		return 2
	}
	if !s.cfg.Verification.Enabled {
		fmt.Fprintln(s.stdout, "Grammar verification is disabled in config (verification.enabled=false); no checks were run.")
		return 0
	}

	m, err := grammar.LoadManifest(s.manifestPath())
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to load manifest: %v\n", err)
		return 1
	}
	findings := report.Findings{GrammarsRoot: s.cfg.GrammarsPath, Artifacts: len(m.Artifacts)}

	if *load {
		svc, ok := s.openService()
		if !ok {
			return 1
		}
		defer svc.Close()
		dirReport, err := svc.LoadDirectory(ctx)
		if err != nil && len(dirReport.Issues) == 0 && len(dirReport.Failed) == 0 {
			fmt.Fprintf(s.stderr, "Grammar load failed: %v\n", err)
			return 1
		}
		findings.Loaded = dirReport.Loaded
		findings.Issues = dirReport.Issues
		for _, f := range dirReport.Failed {
			findings.Failures = append(findings.Failures, failureFinding(f))
		}
	} else {
		issues, err := grammar.VerifyArtifacts(s.cfg.GrammarsPath, m)
		if err != nil {
			fmt.Fprintf(s.stderr, "Grammar verification failed: %v\n", err)
			return 1
		}
		findings.Issues = grammar.FilterIssues(issues, m, nil, s.cfg.Verification.Required)
	}

	exit := 0
	if !findings.Clean() {
		exit = 1
	}

	if *format == "text" {
		if *output != "" {
			fmt.Fprintln(s.stderr, "-o requires --format sarif or markdown")
			return 2
		}
		s.printVerifyText(findings)
		return exit
	}

	var data []byte
	if *format == "sarif" {
		if data, err = report.GenerateSARIF(findings, versionString); err != nil {
			fmt.Fprintf(s.stderr, "Failed to render SARIF: %v\n", err)
			return 1
		}
	} else {
		data = []byte(report.GenerateMarkdown(findings, report.MarkdownOptions{Version: versionString}))
	}
	if *output == "" {
		s.stdout.Write(data)
		return exit
	}
	if err := util.WriteFileAtomic(*output, data, 0o644); err != nil {
		fmt.Fprintf(s.stderr, "Failed to write report: %v\n", err)
		return 1
	}
	fmt.Fprintf(s.stdout, "Report written to %s\n", *output)
	return exit
}

func (s *session) printVerifyText(findings report.Findings) {
	if findings.Clean() {
		fmt.Fprintf(s.stdout, "%s %d artifacts match manifest checksums and allowed ABI versions.\n", okLabel("PASS"), findings.Artifacts)
		return
	}
	for _, issue := range findings.Issues {
		fmt.Fprintf(s.stdout, "%s %s\n", failLabel("ISSUE"), issue)
		if issue.ActualHash != "" {
			fmt.Fprintf(s.stdout, "  expected %s\n  actual   %s\n", issue.ExpectedHash, issue.ActualHash)
		}
	}
	for _, f := range findings.Failures {
		label := failLabel("FAIL")
		if f.Rejected {
			label = warnLabel("REJECTED")
		}
		fmt.Fprintf(s.stdout, "%s %s: %s\n", label, f.Path, f.Message)
	}
	fmt.Fprintf(s.stdout, "Grammar verification failed: %d issues, %d load failures.\n", len(findings.Issues), len(findings.Failures))
}

func failureFinding(f coreapp.LoadFailure) report.Failure {
	out := report.Failure{Language: f.Language, Path: f.Path, Message: f.Err.Error()}
	if kind := grammar.KindOf(f.Err); kind != 0 {
		out.Kind = kind.String()
		out.Rejected = true
	} else {
		out.Kind = string(domainerrors.CodeOf(f.Err))
	}
	return out
}

func (s *session) runBuiltin(ctx context.Context, args []string) int {
	fs := s.newFlagSet("builtin")
	probe := fs.String("probe", "", "Parse this source file with each grammar")
	list := fs.Bool("list", false, "List available builtin grammars")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *list {
		for _, id := range parser.BuiltinIDs() {
			fmt.Fprintln(s.stdout, id)
		}
		return 0
	}

	svc, ok := s.openService()
	if !ok {
		return 1
	}
	defer svc.Close()

	var source []byte
	if *probe != "" {
		data, err := os.ReadFile(*probe)
		if err != nil {
			fmt.Fprintf(s.stderr, "Failed to read probe source: %v\n", err)
			return 1
		}
		source = data
	}

	entries, err := svc.LoadBuiltins(ctx, fs.Args())
	exit := 0
	for _, e := range entries {
		printEntry(s.stdout, e)
		if source != nil {
			if code := s.printProbe(ctx, svc, e.Language, source); code != 0 {
				exit = code
			}
		}
	}
	if err != nil {
		fmt.Fprintf(s.stdout, "%s %v\n", failLabel("FAIL"), err)
		return 1
	}
	return exit
}

func (s *session) runPack(args []string) int {
	fs := s.newFlagSet("pack")
	name := fs.String("name", "", "Language name to embed")
	nodeTypes := fs.String("node-types", "", "Path to node-types.json")
	externals := fs.String("externals", "", "Comma-separated external scanner tokens")
	abi := fs.Int("abi", int(grammar.CurrentVersion), "ABI version to stamp")
	output := fs.String("o", "", "Output artifact path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" || *nodeTypes == "" || *output == "" {
		fmt.Fprintln(s.stderr, "Usage: grammargate pack --name <language> --node-types <node-types.json> -o <artifact> [--externals a,b] [--abi N]")
		return 2
	}
	if *abi <= 0 || *abi > 0xFFFF {
		fmt.Fprintf(s.stderr, "Invalid --abi %d\n", *abi)
		return 2
	}

	f, err := os.Open(*nodeTypes)
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to open node types: %v\n", err)
		return 1
	}
	defer f.Close()

	def, err := grammar.DefinitionFromNodeTypes(*name, f, splitList(*externals))
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to read node types: %v\n", err)
		return 1
	}
	def.Version = uint16(*abi)

	data, err := grammar.Encode(def)
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to encode artifact: %v\n", err)
		return 1
	}
	if err := util.WriteFileAtomic(*output, data, 0o644); err != nil {
		fmt.Fprintf(s.stderr, "Failed to write artifact: %v\n", err)
		return 1
	}
	fmt.Fprintf(s.stdout, "Packed %s: %d symbols (%d tokens, %d external), %d fields -> %s\n",
		def.Name, len(def.Symbols), def.TokenCount, def.ExternalTokenCount, len(def.Fields), *output)
	return 0
}

func (s *session) runAudit(ctx context.Context, args []string) int {
	fs := s.newFlagSet("audit")
	language := fs.String("language", "", "Only show attempts for this language")
	limit := fs.Int("limit", 20, "Maximum number of attempts to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !s.cfg.Audit.Enabled {
		fmt.Fprintln(s.stdout, "Audit is disabled in config (audit.enabled=false).")
		return 0
	}

	svc, ok := s.openService()
	if !ok {
		return 1
	}
	defer svc.Close()

	records, err := svc.RecentAttempts(ctx, *language, *limit)
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to read audit log: %v\n", err)
		return 1
	}
	counts, err := svc.AuditStore().Counts(ctx)
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to read audit counts: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(s.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLANGUAGE\tOUTCOME\tKIND\tORIGIN")
	for _, rec := range records {
		lang := rec.Language
		if lang == "" {
			lang = "-"
		}
		kind := rec.Kind
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.At.Local().Format("2006-01-02 15:04:05"), lang, outcomeLabel(rec.Outcome), kind, rec.Origin)
	}
	w.Flush()

	fmt.Fprintln(s.stdout)
	for _, outcome := range util.SortedStringKeys(counts) {
		fmt.Fprintf(s.stdout, "%s=%d ", outcome, counts[outcome])
	}
	fmt.Fprintln(s.stdout)
	return 0
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
