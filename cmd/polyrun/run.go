package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polyrun/polyrun/engine"
	"github.com/polyrun/polyrun/value"
)

var runCmd = &cobra.Command{
	Use:   "run [file] [-- arg...]",
	Short: "Run a block and optionally invoke an entry point",
	Long: `Load a block of foreign source onto its backend and, when --entry is
given, invoke that entry point and print the result.

Source can be provided via:
  - File argument: polyrun run block.py --entry greet -- '"world"'
  - Inline flag:   polyrun run -c 'def f(x): return x * 2' -l py --entry f -- 3
  - Stdin:         echo 'def f(): return 1' | polyrun run -l py --entry f

Arguments after -- are parsed as JSON values; unparsable ones pass as text.`,
	Args: cobra.ArbitraryArgs,
	Run:  runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Source to execute")
	runCmd.Flags().StringP("lang", "l", "", "Language tag (default: from file extension)")
	runCmd.Flags().String("entry", "", "Entry point to invoke after loading")
	runCmd.Flags().String("block-id", "", "Block identifier (default: file basename or 'inline')")
	runCmd.Flags().Duration("timeout", 0, "Invocation timeout (default: from config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	code, _ := cmd.Flags().GetString("code")
	langFlag, _ := cmd.Flags().GetString("lang")
	entry, _ := cmd.Flags().GetString("entry")
	blockID, _ := cmd.Flags().GetString("block-id")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, log, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}

	var source, filename string
	var callArgs []string
	switch {
	case code != "":
		source = code
		callArgs = args
	case len(args) > 0:
		filename = args[0]
		callArgs = args[1:]
		data, err := os.ReadFile(filename)
		if err != nil {
			fatal(err)
		}
		source = string(data)
	default:
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			cmd.Help()
			return
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal(err)
		}
		source = string(data)
		if source == "" {
			cmd.Help()
			return
		}
	}

	lang, err := languageForFile(cfg, langFlag, filename)
	if err != nil {
		fatal(err)
	}
	if blockID == "" {
		if filename != "" {
			blockID = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		} else {
			blockID = "inline"
		}
	}

	env, err := buildEnv(cfg, log, lang)
	if err != nil {
		fatal(err)
	}
	defer env.Close()

	block := engine.Block{ID: blockID, Language: lang, Source: source}
	ctx := context.Background()

	if entry == "" {
		bv, err := env.engine.Load(ctx, block)
		if err != nil {
			fatal(err)
		}
		printBlockOutput(bv)
		return
	}

	start := time.Now()
	result, err := env.engine.CallBlock(ctx, block, entry, parseArgs(callArgs), timeout)
	if err != nil {
		fatal(err)
	}
	log.Debug("block call finished", "block", blockID, "entry", entry, "duration", time.Since(start))
	fmt.Println(result.String())
}

// parseArgs turns CLI arguments into values: JSON when it parses, raw text
// otherwise, so both '"quoted"' and bare words work.
func parseArgs(args []string) []value.Value {
	out := make([]value.Value, len(args))
	for i, a := range args {
		if v, err := value.Decode([]byte(a)); err == nil {
			out[i] = v
		} else {
			out[i] = value.Text(a)
		}
	}
	return out
}

// printBlockOutput drains captured stdout from backends that buffer it
// (the embedded runtime); other backends print nothing here.
func printBlockOutput(bv *engine.BlockValue) {
	type outputter interface{ Output() string }
	if o, ok := bv.Executor().(outputter); ok {
		fmt.Print(o.Output())
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
