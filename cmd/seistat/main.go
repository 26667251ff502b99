// Command seistat prints an engine's resolved configuration and the
// host's current CPU-isolation state: which cores (if any) are already
// blacklisted and how many thread migrations have occurred.
//
// It is a read-only diagnostic, not a daemon: a fresh cpuiso.Registry
// starts with nothing blacklisted, so running it against a live,
// already-recovering engine's in-process Registry requires linking this
// against the same binary rather than shelling out to it — seistat's
// useful in that case is showing what a freshly started engine's
// isolation state and configuration would be.
package main

import (
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/aoikida/sei-go/internal/config"
	"github.com/aoikida/sei-go/internal/cpuiso"
)

func main() {
	environ := os.Environ()

	os.Exit(run(os.Stdout, os.Stderr, os.Args, environ))
}

func run(out, errOut *os.File, args []string, env []string) int {
	flags := flag.NewFlagSet("seistat", flag.ContinueOnError)
	flags.SetOutput(&strings.Builder{}) // discard pflag's own error/usage output

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagCwd := flags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := flags.StringP("config", "c", "", "Use specified config `file`")
	flagJSON := flags.Bool("json", false, "Print configuration as JSON instead of key=value lines")

	if err := flags.Parse(args[1:]); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		printUsage(errOut)

		return 1
	}

	if *flagHelp {
		printUsage(out)
		return 0
	}

	workDir := *flagCwd
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}

		workDir = wd
	}

	cfg, sources, err := config.Load(workDir, *flagConfig, config.Config{}, nil, env)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	if *flagJSON {
		formatted, err := config.Format(cfg)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}

		fmt.Fprintln(out, formatted)
	} else {
		printConfig(out, cfg, sources)
	}

	fmt.Fprintln(out)
	printCPUIsolation(out, cfg)

	return 0
}

func printConfig(out *os.File, cfg config.Config, sources config.Sources) {
	fmt.Fprintln(out, "# configuration")
	fmt.Fprintf(out, "dmr_redundancy=%d\n", cfg.DMRRedundancy)
	fmt.Fprintf(out, "cpu_isolation=%t\n", cfg.CPUIsolation)
	fmt.Fprintf(out, "write_back=%t\n", cfg.WriteBack)
	fmt.Fprintf(out, "sigsegv_recovery=%t\n", cfg.SIGSEGVRecovery)
	fmt.Fprintf(out, "cow_size=%d\n", cfg.COWSize)
	fmt.Fprintf(out, "obuf_size=%d\n", cfg.OBufSize)
	fmt.Fprintf(out, "arena_size=%d\n", cfg.ArenaSize)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "# sources")

	if sources.Global == "" && sources.Project == "" {
		fmt.Fprintln(out, "(defaults only)")
		return
	}

	if sources.Global != "" {
		fmt.Fprintln(out, "global_config="+sources.Global)
	}

	if sources.Project != "" {
		fmt.Fprintln(out, "project_config="+sources.Project)
	}
}

func printCPUIsolation(out *os.File, cfg config.Config) {
	fmt.Fprintln(out, "# cpu isolation")

	if !cfg.CPUIsolation {
		fmt.Fprintln(out, "disabled")
		return
	}

	stats := cpuiso.New().Stats()

	fmt.Fprintf(out, "num_cpu=%d\n", stats.NumCPU)
	fmt.Fprintf(out, "migrations=%d\n", stats.Migrations)

	if len(stats.Blacklisted) == 0 {
		fmt.Fprintln(out, "blacklisted=(none)")
		return
	}

	fmt.Fprintf(out, "blacklisted=%v\n", stats.Blacklisted)
}

const usage = `seistat - inspect a sei engine's resolved configuration and CPU-isolation state

Usage: seistat [flags]

Flags:
  -h, --help             Show help
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
  --json                 Print configuration as JSON`

func printUsage(out *os.File) {
	fmt.Fprintln(out, usage)
}
