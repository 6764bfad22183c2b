// Package cmd defines the docsagg command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/api"
	"github.com/JakeFAU/docs-aggregator/internal/app"
	"github.com/JakeFAU/docs-aggregator/internal/config"
	"github.com/JakeFAU/docs-aggregator/internal/logging"
)

// Service is what the subcommands need from the application.
type Service interface {
	api.Service
	Handler() http.Handler
	Close() error
}

// newService builds the application. Tests replace it with a fake.
var newService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	cfgFile string
	envFile string
	verbose bool
}

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

type runtimeKey struct{}

func newRootCmd() *cobra.Command {
	v := config.New()
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "docsagg",
		Short: "Aggregate a documentation site into a single Markdown file.",
		Long: `docsagg discovers every page of a documentation subtree, converts each
page to Markdown, and assembles them into one artifact with normalized
headings and a table of contents, ready to hand to a language model.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			if err := bindConfigFlags(v, cmd); err != nil {
				return err
			}
			cfg, err := config.Read(v, opts.cfgFile)
			if err != nil {
				return err
			}
			level := cfg.Logging.Level
			if opts.verbose {
				level = "debug"
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment, if present")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flags.String("log-level", "", "minimum log level (debug, info, warn, error)")
	flags.Bool("dev-logs", false, "human-readable development logs")

	cmd.AddCommand(newAggregateCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadEnvFile exports the variables in path without overriding ones already
// set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withService builds the application for one command and closes it after fn.
func withService(cmd *cobra.Command, fn func(rt *runtime, svc Service) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	svc, err := newService(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			rt.logger.Warn("failed to close application services", zap.Error(cerr))
		}
	}()
	return fn(rt, svc)
}

// configFlags maps flag names to the config keys they override. A flag only
// wins over file and environment values when it is set explicitly.
var configFlags = map[string]string{
	"log-level":          "logging.level",
	"dev-logs":           "logging.development",
	"max-pages":          "discovery.max_pages",
	"backend":            "fetch.backend",
	"promote-headless":   "fetch.promote_headless",
	"output":             "output.provider",
	"output-dir":         "output.dir",
	"html-preview":       "output.html_preview",
	"report":             "output.report",
	"toc":                "aggregate.include_toc",
	"toc-max-level":      "aggregate.toc_max_level",
	"normalize-headings": "aggregate.normalize_headings",
	"cache":              "cache.enabled",
	"port":               "server.port",
	"api-key":            "server.api_key",
}

// bindConfigFlags binds the flags of the command being run. Binding happens
// per run because several subcommands share a key.
func bindConfigFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range configFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}
