package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polyrun/polyrun/config"
	"github.com/polyrun/polyrun/container"
	"github.com/polyrun/polyrun/embedded"
	"github.com/polyrun/polyrun/engine"
	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/hostcall"
	"github.com/polyrun/polyrun/internal/logging"
	"github.com/polyrun/polyrun/native"
	"github.com/polyrun/polyrun/subprocess"
)

// runtimeEnv is everything a code-executing command needs: the engine plus
// the closers for pieces the engine does not own (native backends).
type runtimeEnv struct {
	cfg     *config.Config
	log     *slog.Logger
	engine  *engine.Engine
	hosts   *hostcall.Registry
	closers []io.Closer
}

func (env *runtimeEnv) Close() {
	env.engine.Close()
	for _, c := range env.closers {
		c.Close()
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if flagLevel, _ := cmd.Root().PersistentFlags().GetString("log-level"); flagLevel != "" {
		level = flagLevel
	}
	return cfg, logging.New(parseLevel(level)), nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// buildEnv constructs the registry from the configured languages and wraps
// it in an engine. When only is non-empty, just that language is built, so
// one-shot runs do not boot every configured interpreter.
func buildEnv(cfg *config.Config, log *slog.Logger, only string, engineOpts ...engine.Option) (*runtimeEnv, error) {
	hosts := hostcall.NewRegistry()
	hostcall.RegisterBuiltins(hosts)

	reg := executor.NewRegistry()
	var closers []io.Closer
	var dockerCli container.Client

	fail := func(err error) (*runtimeEnv, error) {
		reg.Close()
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	for tag, lang := range cfg.Languages {
		if only != "" && tag != only {
			continue
		}
		switch lang.Kind {
		case config.KindSubprocess:
			exec, err := subprocess.New(subprocess.Spec{
				Tag:       tag,
				Argv:      lang.Command,
				Extension: lang.Extension,
				Harness:   lang.Harness,
			}, log)
			if err != nil {
				return fail(err)
			}
			reg.RegisterShared(tag, exec)

		case config.KindContainer:
			if dockerCli == nil {
				cli, err := container.NewClient()
				if err != nil {
					return fail(fmt.Errorf("docker client: %w", err))
				}
				dockerCli = cli
			}
			exec, err := container.New(container.Spec{
				Tag:         tag,
				Image:       lang.Image,
				Argv:        lang.Command,
				Extension:   lang.Extension,
				Harness:     lang.Harness,
				Workdir:     lang.Workdir,
				MemoryBytes: lang.MemoryBytes,
			}, dockerCli, log)
			if err != nil {
				return fail(err)
			}
			reg.RegisterShared(tag, exec)

		case config.KindEmbedded:
			rt, err := embedded.NewRuntime(&embedded.InterpreterSpec{
				Tag:      tag,
				WasmPath: lang.Wasm,
				Argv:     lang.Argv,
				Boot:     lang.Boot,
			}, embedded.WithRuntimeLogger(log), embedded.WithHostcalls(hosts))
			if err != nil {
				return fail(fmt.Errorf("boot %s: %w", tag, err))
			}
			reg.RegisterShared(tag, rt)

		case config.KindNative:
			backend, err := native.New(tag, &native.CommandToolchain{
				Lang:      tag,
				Argv:      lang.Toolchain,
				Extension: lang.Extension,
			}, native.WithCacheDir(cfg.CacheDir), native.WithLogger(log))
			if err != nil {
				return fail(err)
			}
			closers = append(closers, closerFunc(backend.Close))
			reg.RegisterFactory(tag, backend.Factory())
		}
	}

	if only != "" && !reg.Supported(only) {
		return fail(fmt.Errorf("language %q is not configured", only))
	}

	opts := append([]engine.Option{
		engine.WithPoolSize(cfg.PoolSize),
		engine.WithLogger(log),
		engine.WithDefaultTimeout(cfg.DefaultTimeout),
	}, engineOpts...)

	return &runtimeEnv{
		cfg:     cfg,
		log:     log,
		engine:  engine.New(reg, opts...),
		hosts:   hosts,
		closers: closers,
	}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// languageForFile resolves a language tag from an explicit flag or, failing
// that, the file extension against the configured languages.
func languageForFile(cfg *config.Config, langFlag, filename string) (string, error) {
	if langFlag != "" {
		if _, ok := cfg.Languages[langFlag]; !ok {
			return "", fmt.Errorf("language %q is not configured", langFlag)
		}
		return langFlag, nil
	}
	if filename != "" {
		ext := strings.ToLower(filepath.Ext(filename))
		for tag, lang := range cfg.Languages {
			if lang.Extension == ext {
				return tag, nil
			}
		}
	}
	return "", fmt.Errorf("language required: use --lang with one of the configured languages")
}
