package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "polyrun",
	Short: "Polyglot block execution engine",
	Long: `polyrun - Execute blocks of foreign code through pluggable backends.

Blocks are units of source in a configured language. Depending on the
language's backend they are compiled to wasm and loaded in-process, run on
a shared embedded interpreter, executed as a subprocess, or isolated in a
container. Languages are declared in polyrun.yaml; see the config package
for the schema.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./polyrun.yaml, ~/.config/polyrun/polyrun.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
}
