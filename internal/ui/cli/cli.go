package cli

import (
	"flag"
	"fmt"
	"io"
)

const versionString = "0.4.0"
const defaultConfigPath = "grammargate.toml"

type cliOptions struct {
	configPath string
	verbose    bool
	noColor    bool
	version    bool
	command    string
	args       []string
}

func parseOptions(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("grammargate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }

	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.noColor, "no-color", false, "Disable coloured output")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	rest := fs.Args()
	if len(rest) > 0 {
		opts.command = rest[0]
		opts.args = rest[1:]
	}
	return opts, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: grammargate [flags] <command> [args]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  load <artifact>...        Validate and register grammar artifacts")
	fmt.Fprintln(w, "  inspect <artifact>        Print an artifact's header and tables")
	fmt.Fprintln(w, "  verify                    Check artifacts against the grammars manifest (--format sarif|markdown, --load)")
	fmt.Fprintln(w, "  builtin [language]...     Validate compiled-in grammars")
	fmt.Fprintln(w, "  pack                      Build an artifact from node-types.json")
	fmt.Fprintln(w, "  grammars list|add|remove  Manage the grammars manifest")
	fmt.Fprintln(w, "  audit                     Show recent load attempts")
	fmt.Fprintln(w, "  watch                     Load grammars and reload them on change")
	fmt.Fprintln(w, "  serve                     Load grammars and serve /metrics and /health")
	fmt.Fprintln(w, "  ui                        Interactive grammar monitor")
	fmt.Fprintln(w, "  version                   Print version")
	fmt.Fprintln(w, "\nFlags:")
	fmt.Fprintln(w, "  --config <path>   Config file (default "+defaultConfigPath+")")
	fmt.Fprintln(w, "  --verbose         Enable verbose logging")
	fmt.Fprintln(w, "  --no-color        Disable coloured output")
}
