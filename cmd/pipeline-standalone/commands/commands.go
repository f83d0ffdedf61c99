package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-frame-pipeline/internal/backends"
	"github.com/tendant/simple-frame-pipeline/internal/config"
	"github.com/tendant/simple-frame-pipeline/internal/logger"
	"github.com/tendant/simple-frame-pipeline/internal/metrics"
	"github.com/tendant/simple-frame-pipeline/internal/sink"
	"github.com/tendant/simple-frame-pipeline/internal/workflows"
	"github.com/tendant/simple-frame-pipeline/pkg/jobs"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

var (
	// Access these variables only from a main package:

	Root = &cobra.Command{
		Use:               "pipeline-standalone",
		Short:             "Run frame analysis pipelines in process",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	Run = &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline until its source ends or the process is interrupted",
		Args:  cobra.ExactArgs(0),
		RunE:  run,
	}

	Validate = &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline config against this build",
		Args:  cobra.ExactArgs(0),
		RunE:  validate,
	}

	Kinds = &cobra.Command{
		Use:   "kinds",
		Short: "List the runner, source, policy and sink kinds of this build",
		Args:  cobra.ExactArgs(0),
		RunE:  kinds,
	}

	env config.Env
	log zerolog.Logger
)

func init() {
	Root.AddCommand(Run)
	Root.AddCommand(Validate)
	Root.AddCommand(Kinds)

	Root.PersistentFlags().String("env-file", ".env", "dotenv file to load when present")
	Root.PersistentFlags().String("log-level", "", "trace, debug, info, warn or error (LOG_LEVEL)")
	Root.PersistentFlags().String("log-format", "", "json or console (LOG_FORMAT)")

	for _, c := range []*cobra.Command{Run, Validate} {
		c.Flags().StringP("config", "c", "", "pipeline config file (PIPELINE_CONFIG)")
	}
	Run.Flags().StringP("input", "i", "", "media input, overrides source.input (PIPELINE_INPUT)")
	Run.Flags().Int("max-in-flight", 0, "frames in flight ceiling, overrides max_in_flight (PIPELINE_MAX_IN_FLIGHT)")
	Run.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (METRICS_ADDR)")
}

func setup(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	var err error
	if env, err = config.LoadEnv(envFile); err != nil {
		return err
	}

	logCfg := logger.Config{Level: env.LogLevel, Format: env.LogFormat}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		logCfg.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		logCfg.Format = v
	}
	log = logger.New(os.Stderr, logCfg)
	return nil
}

func loadConfig(cmd *cobra.Command) (*pipeline.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = env.ConfigPath
	}
	if path == "" {
		return nil, errors.New("a pipeline config is required: pass --config or set PIPELINE_CONFIG")
	}
	return config.Load(path)
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	env.Apply(cfg)
	if input, _ := cmd.Flags().GetString("input"); input != "" {
		cfg.Source.Input = input
	}
	if n, _ := cmd.Flags().GetInt("max-in-flight"); n != 0 {
		cfg.MaxInFlight = n
	}

	m := metrics.New()
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = env.MetricsAddr
	}
	if addr != "" {
		stop := serveMetrics(addr, m)
		defer stop()
	}

	wf := workflows.NewAnalyzeWorkflow(jobs.DefaultBackends(),
		workflows.WithDefaultConfig(cfg),
		workflows.WithMetrics(m),
		workflows.WithAnalyzeLogger(log),
	)
	runner := workflows.NewWorkflowRunner(nil, workflows.WithLogger(log))
	runner.Register(pipeline.JobAnalyze, wf)

	summary, err := runner.Run(&workflows.WorkflowContext{Ctx: ctx})
	if summary != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			log.Warn().Err(encErr).Msg("unable to print summary")
		}
	}
	if errors.Is(err, context.Canceled) {
		// interrupted; everything in flight was delivered
		return nil
	}
	return err
}

func serveMetrics(addr string, m *metrics.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

func validate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	env.Apply(cfg)

	err = config.Validate(cfg, backends.Runners(), backends.SourceKinds())
	out := cmd.OutOrStdout()
	if err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				fmt.Fprintln(out, e)
			}
		} else {
			fmt.Fprintln(out, err)
		}
		return fmt.Errorf("config is not valid in the %s environment", backends.Env)
	}

	fmt.Fprintf(out, "ok: %d triggers, max_in_flight %d, source %s\n", len(cfg.Triggers), cfg.MaxInFlight, cfg.Source.Kind)
	return nil
}

func kinds(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "environment: %s\n", backends.Env)

	var runners []string
	for _, k := range backends.Runners().Kinds() {
		runners = append(runners, string(k))
	}
	fmt.Fprintf(out, "runners: %s\n", strings.Join(runners, ", "))

	var sources []string
	for _, k := range backends.SourceKinds() {
		sources = append(sources, string(k))
	}
	fmt.Fprintf(out, "sources: %s\n", strings.Join(sources, ", "))

	fmt.Fprintf(out, "policies: %s\n", strings.Join([]string{
		string(pipeline.PolicyEveryFrame),
		string(pipeline.PolicyEveryNthFrame),
		string(pipeline.PolicyMinInterval),
		string(pipeline.PolicyAllOf),
		string(pipeline.PolicyAnyOf),
	}, ", "))
	fmt.Fprintf(out, "sinks: %s\n", strings.Join(sink.Kinds(), ", "))
	return nil
}
