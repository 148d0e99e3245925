package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var langsCmd = &cobra.Command{
	Use:   "langs",
	Short: "List configured languages and their backends",
	Run:   runLangs,
}

func init() {
	rootCmd.AddCommand(langsCmd)
}

func runLangs(cmd *cobra.Command, args []string) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}

	tags := make([]string, 0, len(cfg.Languages))
	for tag := range cfg.Languages {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	if len(tags) == 0 {
		fmt.Println("no languages configured")
		return
	}
	for _, tag := range tags {
		fmt.Printf("%-12s %s\n", tag, cfg.Languages[tag].Kind)
	}
}
