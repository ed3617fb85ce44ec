package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	coreapp "grammargate/internal/core/app"
	"grammargate/internal/engine/parser/grammar"
	"grammargate/internal/shared/util"
)

func (s *session) manifestPath() string {
	return filepath.Join(s.cfg.GrammarsPath, grammar.ManifestFile)
}

func (s *session) runGrammars(args []string) int {
	if len(args) == 0 {
		s.printGrammarHelp()
		return 2
	}

	cmd := args[0]
	switch cmd {
	case "add":
		return s.runGrammarsAdd(args[1:])
	case "list":
		return s.runGrammarsList()
	case "remove":
		if len(args) != 2 {
			fmt.Fprintln(s.stderr, "Usage: grammargate grammars remove <language>")
			return 2
		}
		return s.runGrammarsRemove(args[1])
	default:
		fmt.Fprintf(s.stderr, "Unknown grammar command: %s\n", cmd)
		s.printGrammarHelp()
		return 2
	}
}

func (s *session) printGrammarHelp() {
	fmt.Fprintln(s.stderr, "Usage: grammargate grammars <command> [args]")
	fmt.Fprintln(s.stderr, "\nCommands:")
	fmt.Fprintln(s.stderr, "  add [flags] <language> <artifact>   Validate an artifact and record it in the manifest")
	fmt.Fprintln(s.stderr, "  list                                List manifest entries")
	fmt.Fprintln(s.stderr, "  remove <language>                   Remove a manifest entry and its files")
}

func (s *session) runGrammarsAdd(args []string) int {
	fset := flag.NewFlagSet("grammargate grammars add", flag.ContinueOnError)
	fset.SetOutput(s.stderr)
	format := fset.String("format", "", "Artifact format (tsg or shared-object); derived from the extension when empty")
	nodeTypes := fset.String("node-types", "", "node-types.json to store alongside the artifact")
	source := fset.String("source", "", "Where the grammar came from")
	symbol := fset.String("symbol", "", "Exported language function for shared objects (default tree_sitter_<language>)")
	externals := fset.String("externals", "", "Comma-separated external tokens the artifact must declare")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() != 2 {
		fmt.Fprintln(s.stderr, "Usage: grammargate grammars add [--format F] [--node-types P] [--source URL] [--symbol S] [--externals a,b] <language> <artifact>")
		return 2
	}

	language := strings.ToLower(strings.TrimSpace(fset.Arg(0)))
	if err := validateLanguageID(language); err != nil {
		fmt.Fprintln(s.stderr, err)
		return 2
	}
	src := fset.Arg(1)
	if *format == "" {
		*format = grammar.FormatCompiled
		switch strings.ToLower(filepath.Ext(src)) {
		case ".so", ".dylib", ".dll":
			*format = grammar.FormatSharedObject
		}
	}

	requiredExternals := splitList(*externals)
	version, err := s.gateArtifact(*format, language, src, *symbol, requiredExternals)
	if err != nil {
		printFailure(s.stdout, src, err)
		return 1
	}

	destDir := filepath.Join(s.cfg.GrammarsPath, language)
	relArtifact := filepath.Join(language, filepath.Base(src))
	if err := copyFile(src, filepath.Join(s.cfg.GrammarsPath, relArtifact)); err != nil {
		fmt.Fprintf(s.stderr, "Failed to copy artifact: %v\n", err)
		return 1
	}
	art := grammar.ManifestArtifact{
		Language:   language,
		Format:     *format,
		ABIVersion: int(version),
		Path:       relArtifact,
		Symbol:     *symbol,
		Source:     *source,

		ExternalTokens: requiredExternals,
	}
	if art.SHA256, err = grammar.CalculateSHA256(filepath.Join(s.cfg.GrammarsPath, relArtifact)); err != nil {
		fmt.Fprintf(s.stderr, "Failed to hash artifact: %v\n", err)
		return 1
	}
	if *nodeTypes != "" {
		art.NodeTypesPath = filepath.Join(language, "node-types.json")
		dest := filepath.Join(destDir, "node-types.json")
		if err := copyFile(*nodeTypes, dest); err != nil {
			fmt.Fprintf(s.stderr, "Failed to copy node-types.json: %v\n", err)
			return 1
		}
		if art.NodeTypesSHA256, err = grammar.CalculateSHA256(dest); err != nil {
			fmt.Fprintf(s.stderr, "Failed to hash node-types.json: %v\n", err)
			return 1
		}
	}

	m, err := grammar.LoadManifest(s.manifestPath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(s.stderr, "Failed to load manifest: %v\n", err)
			return 1
		}
		m = &grammar.Manifest{Version: 1}
		for v := int(grammar.MinCompatibleVersion); v <= int(grammar.CurrentVersion); v++ {
			m.AllowedABIVersions = append(m.AllowedABIVersions, v)
		}
	}
	if !m.AllowsVersion(art.ABIVersion) {
		fmt.Fprintf(s.stdout, "%s ABI version %d added to allowed_abi_versions\n", warnLabel("NOTE"), art.ABIVersion)
		m.AllowedABIVersions = append(m.AllowedABIVersions, art.ABIVersion)
		sort.Ints(m.AllowedABIVersions)
	}
	m.AddArtifact(art)

	if err := m.Save(s.manifestPath()); err != nil {
		fmt.Fprintf(s.stderr, "Failed to save manifest: %v\n", err)
		return 1
	}

	fmt.Fprintf(s.stdout, "Grammar %s (abi %d, %s) recorded in %s\n", language, version, art.Format, s.manifestPath())
	return 0
}

// gateArtifact runs the artifact through the loader and returns its ABI version.
func (s *session) gateArtifact(format, language, path, symbol string, externals []string) (uint16, error) {
	switch format {
	case grammar.FormatCompiled:
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		checks := []grammar.Option{grammar.WithCheck(grammar.RequireName(language))}
		if len(externals) > 0 {
			checks = append(checks, grammar.WithCheck(grammar.RequireExternalTokens(externals...)))
		}
		h, err := coreapp.NewLoader(s.cfg, checks...).Load(grammar.Artifact{Data: data, Origin: path})
		if err != nil {
			return 0, err
		}
		return h.Version(), nil
	case grammar.FormatSharedObject:
		if len(externals) > 0 {
			return 0, fmt.Errorf("--externals applies to %s artifacts only", grammar.FormatCompiled)
		}
		if symbol == "" {
			symbol = language
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return 0, err
		}
		h, err := coreapp.NewLoader(s.cfg).LoadDynamic(abs, strings.TrimPrefix(symbol, "tree_sitter_"))
		if err != nil {
			return 0, err
		}
		return h.Version(), nil
	default:
		return 0, fmt.Errorf("unknown format %q (want %s or %s)", format, grammar.FormatCompiled, grammar.FormatSharedObject)
	}
}

func (s *session) runGrammarsList() int {
	m, err := grammar.LoadManifest(s.manifestPath())
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to load manifest: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(s.stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "LANGUAGE\tFORMAT\tABI\tPATH\tSOURCE\tAPPROVED")
	for _, art := range m.Artifacts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", art.Language, art.Format, art.ABIVersion, art.Path, art.Source, art.ApprovedDate)
	}
	w.Flush()
	return 0
}

func (s *session) runGrammarsRemove(language string) int {
	language = strings.ToLower(strings.TrimSpace(language))
	if err := validateLanguageID(language); err != nil {
		fmt.Fprintln(s.stderr, err)
		return 2
	}

	m, err := grammar.LoadManifest(s.manifestPath())
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to load manifest: %v\n", err)
		return 1
	}
	if !m.RemoveArtifact(language) {
		fmt.Fprintf(s.stderr, "Grammar %s is not in the manifest\n", language)
		return 1
	}

	// An empty manifest is invalid, so the last removal deletes the file.
	if len(m.Artifacts) == 0 {
		err = os.Remove(s.manifestPath())
	} else {
		err = m.Save(s.manifestPath())
	}
	if err != nil {
		fmt.Fprintf(s.stderr, "Failed to update manifest: %v\n", err)
		return 1
	}

	if err := os.RemoveAll(filepath.Join(s.cfg.GrammarsPath, language)); err != nil {
		fmt.Fprintf(s.stderr, "Failed to remove directory: %v\n", err)
		return 1
	}

	fmt.Fprintf(s.stdout, "Grammar %s removed.\n", language)
	return 0
}

func validateLanguageID(language string) error {
	if language == "" || language == "." || language == ".." || strings.ContainsAny(language, `/\`) {
		return fmt.Errorf("invalid language id %q", language)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(dst, data, 0o644)
}
