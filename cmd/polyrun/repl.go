package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive session against a shared backend",
	Long: `Start an interactive session on one language's shared executor.

Plain lines are evaluated as block source: definitions persist for the
whole session. Prefix a line with ! to invoke an entry point:

  >>> def double(x): return x * 2
  >>> !double 21
  42

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Run: runRepl,
}

func init() {
	replCmd.Flags().StringP("lang", "l", "", "Language tag (required)")
	replCmd.Flags().String("history", "", "History file path (default: ~/.polyrun_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) {
	lang, _ := cmd.Flags().GetString("lang")
	historyFile, _ := cmd.Flags().GetString("history")

	cfg, log, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	if lang == "" {
		fatal(fmt.Errorf("language required: use --lang with one of the configured languages"))
	}
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".polyrun_history")
	}

	env, err := buildEnv(cfg, log, lang)
	if err != nil {
		fatal(err)
	}
	defer env.Close()

	lease, err := env.engine.Registry().Resolve(lang)
	if err != nil {
		fatal(err)
	}
	defer lease.Close()
	exec := lease.Executor()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fatal(err)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "polyrun %s session (type 'exit' to quit, Ctrl+D to exit)\n", lang)

	ctx := context.Background()
	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == "exit" || trimmed == "quit" {
			break
		}

		if rest, ok := strings.CutPrefix(trimmed, "!"); ok {
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				fmt.Fprintln(os.Stderr, "Error: !<entry> [args...]")
				continue
			}
			result, err := exec.Invoke(ctx, fields[0], parseArgs(fields[1:]))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				continue
			}
			fmt.Println(result.String())
			continue
		}

		if err := exec.Initialize(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		printOutput(exec)
	}
}

// printOutput flushes buffered interpreter stdout after an evaluation.
func printOutput(exec any) {
	type outputter interface{ Output() string }
	if o, ok := exec.(outputter); ok {
		if out := o.Output(); out != "" {
			fmt.Print(out)
			if !strings.HasSuffix(out, "\n") {
				fmt.Println()
			}
		}
	}
}
