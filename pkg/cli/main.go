// Package cli builds the cobra command tree of a job worker binary.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimburion/jobqueue/pkg/config"
	"github.com/nimburion/jobqueue/pkg/health"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/jobs/factory"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/metrics"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
	"github.com/nimburion/jobqueue/pkg/server"
	"github.com/nimburion/jobqueue/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	defaultEnvPrefix   = "APP"
	healthCheckTimeout = 5 * time.Second
	redactedValue      = "********"
)

// RuntimeFactory builds the connector and failed job store for cfg.
type RuntimeFactory func(ctx context.Context, cfg *config.Config, resolver jobs.Resolver, log logger.Logger) (*factory.Runtime, error)

// Options configures the command tree of a worker binary.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Register binds job names to targets. It runs before the connector is
	// created, so every name a connector may deliver must be registered here.
	// The queued handler and listener wrappers are registered beforehand and
	// may be replaced.
	Register func(registry *jobs.Registry, cfg *config.Config, log logger.Logger) error

	// Optional: additional service commands.
	CustomCommands []*cobra.Command

	// Optional: override the runtime factory (tests, custom connectors).
	RuntimeFactory RuntimeFactory
}

type rootState struct {
	opts                Options
	cfgPath             string
	serviceNameOverride string
}

// NewRootCommand creates the worker CLI with work, healthcheck, failed, config
// and version subcommands.
func NewRootCommand(opts Options) *cobra.Command {
	opts.EnvPrefix = resolveEnvPrefix(opts.EnvPrefix)
	if opts.RuntimeFactory == nil {
		opts.RuntimeFactory = factory.NewRuntime
	}
	state := &rootState{opts: opts}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&state.cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&state.serviceNameOverride, "service-name", "", "service name override")

	rootCmd.AddCommand(
		newVersionCommand(state),
		newWorkCommand(state),
		newHealthCheckCommand(state),
		newFailedCommand(state),
		newConfigCommand(state),
	)
	for _, customCmd := range opts.CustomCommands {
		if customCmd != nil {
			rootCmd.AddCommand(customCmd)
		}
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	return rootCmd
}

// Execute runs the command and exits with status 1 on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand(state *rootState) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current(resolveServiceNameValue("", state.opts.Name, state.serviceNameOverride))
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, info)
			}
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newWorkCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Process jobs from the configured queues until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := state.loadConfigAndLogger(cmd.Flags(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Queue.Backend == config.BackendSync {
				return fmt.Errorf("queue.backend %q runs jobs at dispatch time and has nothing to work", config.BackendSync)
			}

			runCtx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return state.runWorker(runCtx, cfg, log)
		},
	}
	flags := cmd.Flags()
	flags.String("backend", "", "queue backend (database, redis, beanstalkd, sqs, nsq, rabbitmq)")
	flags.String("connection", "", "connection name reported by jobs")
	flags.StringSlice("queue", nil, "queue names to work (repeatable)")
	flags.Int("tries", 0, "maximum attempts for jobs without a maxTries hint")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")
	flags.Int("mgmt-port", 0, "management server port")
	return cmd
}

func (s *rootState) runWorker(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	tp, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			log.Error("failed to shut down tracer provider", "error", shutdownErr)
		}
	}()

	rt, err := s.newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			log.Error("failed to close jobs runtime", "error", closeErr)
		}
	}()

	var processorOpts []jobs.ProcessorOption
	if rt.FailedJobs != nil {
		processorOpts = append(processorOpts, jobs.WithFailedJobStore(rt.FailedJobs))
	}
	processor, err := jobs.NewProcessor(log, jobs.RetryPolicy{
		MaxTries:       cfg.Worker.MaxTries,
		InitialBackoff: cfg.Worker.InitialBackoff,
		MaxBackoff:     cfg.Worker.MaxBackoff,
	}, processorOpts...)
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}
	worker, err := jobs.NewWorker(rt.Connector, processor, log, jobs.WorkerConfig{
		Connection:  rt.Connection,
		Queues:      cfg.QueueNames(),
		PopTimeout:  cfg.Worker.PopTimeout,
		IdleSleep:   cfg.Worker.IdleSleep,
		StopTimeout: cfg.Worker.StopTimeout,

		PopFailureThreshold: cfg.Worker.PopFailureThreshold,
		PopFailureCooldown:  cfg.Worker.PopFailureCooldown,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	if cfg.Management.Enabled {
		healthRegistry := health.NewRegistry()
		healthRegistry.Register(jobs.NewConnectorHealthChecker(cfg.Queue.Backend, rt.Connector, healthCheckTimeout))
		healthRegistry.Register(jobs.NewWorkerHealthChecker("worker", worker, healthCheckTimeout))

		mgmt, err := server.NewManagementServer(server.Config{
			Port:         cfg.Management.Port,
			ReadTimeout:  cfg.Management.ReadTimeout,
			WriteTimeout: cfg.Management.WriteTimeout,
		}, log, healthRegistry, metrics.NewRegistry())
		if err != nil {
			return fmt.Errorf("create management server: %w", err)
		}
		go func() {
			if startErr := mgmt.Start(ctx); startErr != nil {
				log.Error("management server stopped", "error", startErr)
			}
		}()
	}

	return worker.Start(ctx)
}

func newHealthCheckCommand(state *rootState) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the configured queue backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := state.loadConfigAndLogger(cmd.Flags(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			rt, err := state.newRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			registry := health.NewRegistry()
			registry.Register(jobs.NewConnectorHealthChecker(cfg.Queue.Backend, rt.Connector, timeout))
			result := registry.Check(ctx)
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.IsHealthy() {
				return errors.New("queue backend is unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", healthCheckTimeout, "health check timeout")
	return cmd
}

func newConfigCommand(state *rootState) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := state.loader(cmd.Flags()).Load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := state.loader(cmd.Flags()).Settings()
			if err != nil {
				return err
			}
			setSetting(settings, "service.name", resolveServiceNameValue(lookupString(settings, "service.name"), state.opts.Name, state.serviceNameOverride))
			if !showSecrets {
				redactSettings(settings, config.SecretKeys)
			}
			data, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)
	return configCmd
}

func (s *rootState) loader(flags *pflag.FlagSet) *config.ViperLoader {
	return config.NewViperLoader(s.cfgPath, s.opts.EnvPrefix).WithFlags(flags)
}

// loadConfigAndLogger loads the configuration and builds the zap logger it selects.
func (s *rootState) loadConfigAndLogger(flags *pflag.FlagSet, output io.Writer) (*config.Config, logger.Logger, error) {
	cfg, err := s.loader(flags).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, s.opts.Name, s.serviceNameOverride)
	if strings.TrimSpace(cfg.Service.Version) == "" {
		cfg.Service.Version = version.Current(cfg.Service.Name).Version
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(strings.ToLower(cfg.Log.Level)),
		Format: logger.LogFormat(strings.ToLower(cfg.Log.Format)),
		Output: output,
		Fields: map[string]string{"service": cfg.Service.Name},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	if strings.EqualFold(cfg.Log.Level, string(logger.DebugLevel)) {
		log.Debug("effective configuration", "backend", cfg.Queue.Backend, "queues", cfg.QueueNames(), "failed_store", cfg.Failed.Store)
	}
	return cfg, log, nil
}

// newRuntime registers the service's jobs and builds the connector.
func (s *rootState) newRuntime(ctx context.Context, cfg *config.Config, log logger.Logger) (*factory.Runtime, error) {
	registry := jobs.NewRegistry()
	if err := jobs.RegisterQueuedInvokers(registry); err != nil {
		return nil, fmt.Errorf("register queued invokers: %w", err)
	}
	if s.opts.Register != nil {
		if err := s.opts.Register(registry, cfg, log); err != nil {
			return nil, fmt.Errorf("register jobs: %w", err)
		}
	}
	rt, err := s.opts.RuntimeFactory(ctx, cfg, registry, log)
	if err != nil {
		return nil, fmt.Errorf("create jobs runtime: %w", err)
	}
	return rt, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return defaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if current := strings.TrimSpace(currentConfigName); current != "" {
		return current
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "app"
}

// redactSettings masks the non-empty values of the dotted keys in settings.
func redactSettings(settings map[string]any, keys []string) {
	for _, key := range keys {
		if lookupString(settings, key) != "" {
			setSetting(settings, key, redactedValue)
		}
	}
}

func lookupString(settings map[string]any, key string) string {
	parts := strings.Split(key, ".")
	current := settings
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return ""
		}
		current = next
	}
	value, _ := current[parts[len(parts)-1]].(string)
	return value
}

func setSetting(settings map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	current := settings
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
