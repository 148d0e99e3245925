package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polyrun/polyrun/native"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the compiled-artifact cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached artifacts",
	Long: `Remove every compiled artifact from the cache directory.

Clearing the cache is always safe: the only effect is that the next load of
a native block recompiles it.`,
	Run: runCacheClear,
}

var cachePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the cache directory",
	Run:   runCachePath,
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cachePathCmd)
	rootCmd.AddCommand(cacheCmd)
}

func openCache(cmd *cobra.Command) *native.Cache {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	cache, err := native.NewCache(cfg.CacheDir)
	if err != nil {
		fatal(err)
	}
	return cache
}

func runCacheClear(cmd *cobra.Command, args []string) {
	cache := openCache(cmd)
	if err := cache.Clear(); err != nil {
		fatal(err)
	}
	fmt.Printf("cleared %s\n", cache.Dir())
}

func runCachePath(cmd *cobra.Command, args []string) {
	fmt.Println(openCache(cmd).Dir())
}
