// Command coder runs one coding-agent task in the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jasonkneen/claude-coder/pkg/config"
	"github.com/jasonkneen/claude-coder/pkg/engine"
	"github.com/jasonkneen/claude-coder/pkg/exec"
	"github.com/jasonkneen/claude-coder/pkg/git"
	"github.com/jasonkneen/claude-coder/pkg/history"
	"github.com/jasonkneen/claude-coder/pkg/host"
	"github.com/jasonkneen/claude-coder/pkg/llm/provider"
	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/metrics"
	"github.com/jasonkneen/claude-coder/pkg/persistence"
	"github.com/jasonkneen/claude-coder/pkg/proto"
	"github.com/jasonkneen/claude-coder/pkg/tools"
	"github.com/jasonkneen/claude-coder/pkg/version"
)

type options struct {
	projectDir   string
	configPath   string
	task         string
	resumeID     string
	model        string
	metricsAddr  string
	debugDomains string
	list         bool
	initSecrets  bool
	autoApprove  bool
	debug        bool
}

func main() {
	var (
		opts        options
		showVersion bool
	)
	flag.StringVar(&opts.projectDir, "projectdir", ".", "Project directory holding .coder/")
	flag.StringVar(&opts.configPath, "config", "", "Config file (default <projectdir>/.coder/config.json when present)")
	flag.StringVar(&opts.task, "task", "", "Task to run")
	flag.StringVar(&opts.resumeID, "resume", "", "Resume a stored task by id")
	flag.StringVar(&opts.model, "model", "", "Override the configured model")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&opts.list, "list", false, "List stored tasks and exit")
	flag.BoolVar(&opts.initSecrets, "init-secrets", false, "Write the encrypted secrets file and exit")
	flag.BoolVar(&opts.autoApprove, "yes", false, "Approve every tool call without asking")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging (same as DEBUG=1)")
	flag.StringVar(&opts.debugDomains, "debug-domains", "", "Comma-separated debug domains, e.g. engine,stream")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("coder %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}
	os.Exit(run(&opts))
}

// run contains the main application logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(opts *options) int {
	logger := logx.NewLogger("coder")
	configureDebug(opts)

	cfg, err := loadConfig(opts.projectDir, opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}

	secrets := config.NewSecretStore(opts.projectDir)
	if opts.initSecrets {
		if err := initSecretsFile(secrets); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write secrets: %v\n", err)
			return 1
		}
		return 0
	}
	if err := unlockSecrets(secrets); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to handle secrets: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *persistence.DB
	if cfg.History.DBPath != "" {
		db, err = persistence.Open(resolvePath(opts.projectDir, cfg.History.DBPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open history database: %v\n", err)
			return 1
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				logger.Warn("Failed to close database: %v", closeErr)
			}
		}()
		if n, staleErr := db.MarkStaleTasks(ctx); staleErr != nil {
			logger.Warn("Failed to mark stale tasks: %v", staleErr)
		} else if n > 0 {
			logger.Info("🧹 Marked %d interrupted task(s) as aborted", n)
		}
	}

	if opts.list {
		if err := listTasks(ctx, db); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list tasks: %v\n", err)
			return 1
		}
		return 0
	}
	if opts.task == "" && opts.resumeID == "" {
		fmt.Fprintln(os.Stderr, "Nothing to do: pass -task or -resume")
		flag.Usage()
		return 2
	}

	recorder := metrics.Nop()
	if addr := metricsAddr(&cfg, opts.metricsAddr); addr != "" {
		recorder = metrics.NewPrometheusRecorder()
		srv := serveMetrics(addr, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := runTask(ctx, opts, &cfg, db, secrets, recorder, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Task failed: %v\n", err)
		return 1
	}
	return 0
}

func runTask(ctx context.Context, opts *options, cfg *config.Config, db *persistence.DB, keys provider.KeySource, recorder metrics.Recorder, logger *logx.Logger) error {
	registry, err := buildRegistry(ctx, resolvePath(opts.projectDir, cfg.Workspace), cfg.GitCommits)
	if err != nil {
		return err
	}

	taskID, err := taskIDFor(ctx, opts, cfg, db)
	if err != nil {
		return err
	}

	manager, err := provider.NewClientFactory(*cfg, keys, recorder).CreateManager(ctx, taskID)
	if err != nil {
		return logx.Errorf("failed to create model client: %w", err)
	}

	var persister history.Persister
	engineOpts := []engine.Option{
		engine.WithEngineConfig(cfg.Engine),
		engine.WithSystemPrompt(cfg.SystemPrompt),
		engine.WithMaxTokens(cfg.MaxOutputTokens),
		engine.WithRecorder(recorder),
	}
	if db != nil {
		persister = db
		engineOpts = append(engineOpts, engine.WithTaskRecorder(db))
	}
	engineOpts = append(engineOpts, engine.WithStore(history.NewStore(taskID, persister)))

	terminal := host.NewStdTerminal(host.WithAutoApprove(opts.autoApprove))
	executor := engine.NewExecutor(taskID, manager, registry, terminal, engineOpts...)

	stop := handleSignals(ctx, executor, logger)
	defer stop()

	logger.Info("🚀 Task %s on %s", taskID, manager.GetModelName())
	if opts.resumeID != "" {
		err = resumeTask(ctx, executor, db)
	} else {
		err = executor.StartTask(ctx, proto.NewTextContent(opts.task))
	}
	executor.Wait()
	if err != nil {
		return err
	}

	logger.Info("🏁 Task %s finished in state %s", taskID, executor.State())
	reportUsage(ctx, cfg, taskID, logger)
	return nil
}

// resumeTask restores a stored task. A task that never got a response is started over from its prompt.
func resumeTask(ctx context.Context, executor *engine.Executor, db *persistence.DB) error {
	if err := executor.Restore(ctx, db); err != nil {
		return err
	}
	if executor.State() != proto.StateIdle {
		return executor.ResumeTask(ctx, nil)
	}
	task, err := db.GetTask(ctx, executor.TaskID())
	if err != nil {
		return err
	}
	return executor.StartTask(ctx, proto.NewTextContent(task.Prompt))
}

// taskIDFor returns the id of the task to run, creating a stored task for a new run.
func taskIDFor(ctx context.Context, opts *options, cfg *config.Config, db *persistence.DB) (string, error) {
	if opts.resumeID != "" {
		if db == nil {
			return "", errors.New("resuming requires history.db_path in the config")
		}
		task, err := db.GetTask(ctx, opts.resumeID)
		if err != nil {
			return "", err
		}
		if !task.Resumable() {
			return "", fmt.Errorf("task %s is %s and cannot be resumed", task.ID, task.State)
		}
		return task.ID, nil
	}
	if db == nil {
		return uuid.NewString(), nil
	}
	task, err := db.CreateTask(ctx, cfg.Model, opts.task)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// configureDebug applies the debug flags over the DEBUG and DEBUG_DOMAINS environment.
func configureDebug(opts *options) {
	if opts.debug || opts.debugDomains != "" {
		logx.SetDebug(true)
	}
	if opts.debugDomains != "" {
		logx.SetDebugDomains(strings.Split(opts.debugDomains, ","))
	}
	if logx.IsDebugEnabled() {
		logx.Infof("🐛 Debug logging enabled")
	}
}

// buildRegistry registers the tools available to the model, confined to root.
// With gitCommits set and root inside a git work tree, every file write is committed.
func buildRegistry(ctx context.Context, root string, gitCommits bool) (*tools.Registry, error) {
	ws, err := tools.NewWorkspace(root)
	if err != nil {
		return nil, err
	}
	runner := exec.NewLocalExec()

	var committer tools.Committer
	if gitCommits {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		if c := git.NewCommitter(abs, runner); c.IsRepository(ctx) {
			committer = c
		} else {
			logx.Warnf("git_commits is set but %s is not a git work tree", abs)
		}
	}

	registry, err := tools.NewRegistry(
		tools.NewReadFileTool(ws, 0),
		tools.NewWriteFileTool(ws, tools.NewFileDiffSurface(), committer),
		tools.NewListFilesTool(ws, 0),
		tools.NewExecuteCommandTool(runner, ws, exec.DefaultTimeout),
		tools.NewAskFollowupTool(),
		tools.NewAttemptCompletionTool(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return registry, nil
}

// handleSignals aborts the task on the first interrupt and cancels everything on the second.
func handleSignals(ctx context.Context, executor *engine.Executor, logger *logx.Logger) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		aborted := false
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				if aborted {
					logger.Warn("Received %v again, exiting", sig)
					os.Exit(130)
				}
				aborted = true
				logger.Info("🛑 Received %v, aborting task (repeat to exit)", sig)
				if err := executor.AbortTask(ctx); err != nil {
					logger.Warn("Abort failed: %v", err)
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func serveMetrics(addr string, logger *logx.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("📊 Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed: %v", err)
		}
	}()
	return srv
}

func metricsAddr(cfg *config.Config, flagAddr string) string {
	if flagAddr != "" {
		return flagAddr
	}
	if cfg.Metrics.Enabled {
		return cfg.Metrics.ListenAddr
	}
	return ""
}

// reportUsage prints the task totals recorded by Prometheus when a query endpoint is configured.
func reportUsage(ctx context.Context, cfg *config.Config, taskID string, logger *logx.Logger) {
	if cfg.Metrics.PrometheusURL == "" {
		return
	}
	svc, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
	if err != nil {
		logger.Warn("Metrics query unavailable: %v", err)
		return
	}
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m, err := svc.GetTaskMetrics(queryCtx, taskID)
	if err != nil {
		logger.Warn("Failed to query task metrics: %v", err)
		return
	}
	fmt.Printf("tokens: %d (in %d, out %d)  cost: $%.4f  failed requests: %d  compactions: %d\n",
		m.TotalTokens, m.PromptTokens, m.CompletionTokens, m.TotalCost, m.FailedRequests, m.Compactions)
}

func listTasks(ctx context.Context, db *persistence.DB) error {
	if db == nil {
		return errors.New("no history database configured (history.db_path)")
	}
	tasks, err := db.ListTasks(ctx, 50)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No stored tasks")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("%s  %-19s  %s  %7d tok  $%.4f  %s\n",
			t.ID, t.State, t.UpdatedAt.Local().Format("2006-01-02 15:04"), t.TokensUsed, t.CostUSD, truncate(t.Prompt, 60))
	}
	return nil
}

// loadConfig reads an explicit config file, else the project config when present, else defaults.
func loadConfig(projectDir, configPath string) (config.Config, error) {
	if configPath != "" {
		return config.LoadConfig(configPath)
	}
	projectConfig := filepath.Join(projectDir, config.ProjectConfigDir, config.ProjectConfigFilename)
	if _, err := os.Stat(projectConfig); err == nil {
		return config.LoadConfig(projectConfig)
	}
	return config.Default(), nil
}

// resolvePath interprets relative paths against the project directory.
func resolvePath(projectDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(projectDir, p)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
