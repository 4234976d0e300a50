// Command taskpilot runs the coding agent against a project directory.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/taskpilot/agentloop"
	"github.com/martinemde/taskpilot/config"
	"github.com/martinemde/taskpilot/mcp"
	"github.com/martinemde/taskpilot/unifiedllm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose    bool
	configPath string
	model      string
	provider   string
	workDir    string
	reportOut  string
	timeout    time.Duration
	noMCP      bool
	parallel   bool

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "A coding agent that analyzes, edits and verifies a project",
	Long: `taskpilot sends a task to a language model together with a set of coding
tools (listing, search, file edits, syntax checks, shell commands) and keeps
calling the model until it stops asking for tools. Requests that ask for a file
change are checked for an actual write before the final report is produced.

Run without arguments to start an interactive session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.OutputPaths = []string{"stderr"}
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, os.Stdin)
	},
}

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a single task and print its report",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, strings.Join(args, " "))
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Read tasks from standard input, one per line",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, os.Stdin)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&model, "model", "m", "", "Model id (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "Provider: gemini, openai or anthropic")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workspace", "w", "", "Project directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Maximum duration of one task")
	rootCmd.PersistentFlags().BoolVar(&noMCP, "no-mcp", false, "Do not load MCP servers")
	rootCmd.PersistentFlags().BoolVar(&parallel, "parallel", false, "Run independent tool calls concurrently")
	runCmd.Flags().StringVar(&reportOut, "report-out", "", "Write the report as JSON to this file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what every task of a process shares.
type app struct {
	cfg      *config.RunConfig
	loop     agentloop.Config
	client   *unifiedllm.Client
	env      agentloop.ExecutionEnvironment
	registry *agentloop.ToolRegistry
	mcp      *mcp.Manager
}

func (a *app) Close() {
	if a.mcp != nil {
		if err := a.mcp.Close(); err != nil {
			logger.Warn("closing mcp servers", zap.Error(err))
		}
	}
	if a.client != nil {
		_ = a.client.Close()
	}
}

func loadConfig(cmd *cobra.Command) (*config.RunConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model = model
	}
	if flags.Changed("provider") {
		cfg.Provider = provider
	}
	if flags.Changed("workspace") {
		cfg.WorkingDir = workDir
	}
	if flags.Changed("parallel") {
		cfg.ParallelTools = parallel
	}
	if cfg.WorkingDir == "" {
		if cfg.WorkingDir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	client, err := buildClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, loop: cfg.ToLoopConfig(), client: client}
	a.env = agentloop.NewLocalExecutionEnvironment(cfg.WorkingDir)
	a.registry, err = agentloop.NewToolRegistry(agentloop.CoreTools(a.env), agentloop.WithToolTimeout(cfg.ToolTimeout))
	if err != nil {
		a.Close()
		return nil, err
	}

	if !noMCP && cfg.MCPConfig != "" {
		path := cfg.MCPConfig
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.WorkingDir, path)
		}
		a.mcp = mcp.NewManager(mcp.WithManagerLogger(logger))
		if n := a.mcp.LoadFile(ctx, path); n > 0 {
			if merged, err := a.registry.With(a.mcp.Tools()...); err != nil {
				logger.Warn("mcp tools not added", zap.Error(err))
			} else {
				a.registry = merged
			}
		}
	}
	logger.Debug("tools ready", zap.Strings("tools", a.registry.Names()))
	return a, nil
}

// buildClient registers an adapter for every provider with a key in the
// environment and routes to the configured one.
func buildClient(ctx context.Context, cfg *config.RunConfig) (*unifiedllm.Client, error) {
	return unifiedllm.NewClientFromEnv(ctx,
		unifiedllm.EnvConfig{
			DefaultProvider: cfg.Provider,
			Model:           cfg.Model,
			Temperature:     cfg.Temperature,
		},
		unifiedllm.WithMiddleware(logRequests(logger)),
	)
}

func runOnce(cmd *cobra.Command, task string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.runTask(ctx, task, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderReport(report))
	if reportOut != "" {
		if err := writeReport(reportOut, report); err != nil {
			return err
		}
	}
	if report.Status == agentloop.ReportFailed {
		return errors.New("task failed")
	}
	return nil
}

func runChat(cmd *cobra.Command, in io.Reader) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, styles.muted.Render(fmt.Sprintf("taskpilot ready (%s, %d tools). Type a task, or \"exit\" to quit.", a.cfg.Model, a.registry.Count())))
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, styles.prompt.Render("you> "))
		if !sc.Scan() {
			return sc.Err()
		}
		task := strings.TrimSpace(sc.Text())
		switch strings.ToLower(task) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		report, err := a.runTask(ctx, task, out)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, styles.err.Render("error: "+err.Error()))
			continue
		}
		fmt.Fprintln(out, renderReport(report))
	}
}

// runTask runs one task in a fresh session, narrating its events to out.
func (a *app) runTask(ctx context.Context, task string, out io.Writer) (*agentloop.Report, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s, err := agentloop.NewSession(a.client, a.registry, a.loop,
		agentloop.WithLogger(logger),
		agentloop.WithEnvironment(a.env),
	)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range s.Events() {
			if line := renderEvent(ev); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}()

	report, err := s.Run(ctx, task)
	s.Close()
	<-done
	return report, err
}

func writeReport(path string, report *agentloop.Report) error {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
