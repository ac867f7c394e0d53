// Command zubot runs the agent runtime: chat loop, worker pool, and
// central task scheduler over one SQLite store.
//
// Modes:
//
//	zubot -mode daemon   run all planes until interrupted
//	zubot -mode chat     interactive chat session (scheduler per config)
//	zubot -mode status   print the runtime health snapshot
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"zubot"
	"zubot/internal/config"
	"zubot/observer"
	"zubot/provider/openaicompat"
	"zubot/store/sqlite"
	"zubot/tools/clock"
	"zubot/tools/file"
	"zubot/tools/webfetch"
)

func main() {
	var (
		mode       = flag.String("mode", "chat", "daemon, chat, or status")
		configPath = flag.String("config", "", "config file path (default config/config.json)")
		session    = flag.String("session", "cli", "chat session id")
	)
	flag.Parse()

	_ = godotenv.Load() // .env is optional

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*mode, *configPath, *session, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(mode, configPath, session string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, cleanup, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch mode {
	case "daemon":
		return runDaemon(app, logger)
	case "chat":
		return runChat(app, session, logger)
	case "status":
		return runStatus(app)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// app bundles everything run modes need.
type app struct {
	runtime *zubot.Runtime
	chat    *zubot.ChatService
	central *zubot.CentralService
}

func build(cfg config.Config, logger *slog.Logger) (*app, func(), error) {
	ctx := context.Background()

	home, err := time.LoadLocation(cfg.Memory.HomeTimezone)
	if err != nil {
		return nil, nil, fmt.Errorf("home timezone %q: %w", cfg.Memory.HomeTimezone, err)
	}

	// Store: one serialized queue over one SQLite file.
	queue := sqlite.NewQueue(cfg.Central.DBPath, sqlite.WithQueueLogger(logger))
	store := sqlite.NewStore(queue, sqlite.WithLogger(logger), sqlite.WithHomeLocation(home))
	if err := store.Init(ctx); err != nil {
		queue.Close()
		return nil, nil, fmt.Errorf("init store: %w", err)
	}
	if n, err := store.MigrateLegacyDayFiles(ctx, cfg.Memory.LegacyDaysDir); err != nil {
		logger.Warn("legacy day file migration failed", "error", err)
	} else if n > 0 {
		logger.Info("migrated legacy day files", "count", n)
	}

	// Observability is on when an OTLP endpoint is configured.
	var inst *observer.Instruments
	shutdownOtel := func(context.Context) error { return nil }
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		inst, shutdownOtel, err = observer.Init(ctx, nil)
		if err != nil {
			queue.Close()
			return nil, nil, fmt.Errorf("init observability: %w", err)
		}
	}

	specs, err := buildModels(cfg, inst, logger)
	if err != nil {
		queue.Close()
		return nil, nil, err
	}
	llm := zubot.NewLLMClient(specs, cfg.DefaultModelAlias, zubot.LLMLogger(logger))

	policy := zubot.PathPolicy{
		DefaultAccess: cfg.Paths.DefaultAccess,
		AllowRead:     cfg.Paths.AllowRead,
		AllowWrite:    cfg.Paths.AllowWrite,
		Deny:          cfg.Paths.Deny,
	}
	workDir, err := os.Getwd()
	if err != nil {
		queue.Close()
		return nil, nil, err
	}

	reg := zubot.NewRegistry()
	if inst != nil {
		reg.Use(observer.ToolMiddleware(inst))
	}
	clock.Register(reg, home)
	file.Register(reg, workDir, policy)
	webfetch.Register(reg)

	agents := zubot.NewSubAgentRunner(llm, reg, zubot.SubAgentLogger(logger))

	runnerOpts := []zubot.TaskRunnerOption{zubot.TaskRunnerLogger(logger)}
	if inst != nil {
		runnerOpts = append(runnerOpts, zubot.TaskRunnerHook(observer.RunHook(inst)))
	}
	runner := zubot.NewTaskRunner(workDir, agents, store, runnerOpts...)

	summaryWorker := zubot.NewMemorySummaryWorker(store, llm,
		zubot.SummaryModelTier(cfg.Memory.SummaryTier),
		zubot.SummaryPollInterval(time.Duration(cfg.Memory.PollIntervalSec)*time.Second),
		zubot.SummaryJobsPerTick(cfg.Memory.MaxJobsPerTick),
		zubot.SummaryDayKey(store.LocalDayKey),
		zubot.SummaryLogger(logger))
	sweeper := zubot.NewMemoryManager(store, summaryWorker,
		zubot.SweepInterval(time.Duration(cfg.Central.MemorySweepIntervalSec)*time.Second),
		zubot.SweepDebounce(time.Duration(cfg.Central.MemorySweepDebounceSec)*time.Second),
		zubot.ManagerDayKey(store.LocalDayKey),
		zubot.ManagerLogger(logger))

	central := zubot.NewCentralService(store, runner, zubot.CentralSettings{
		Enabled:               cfg.Central.Enabled,
		PollInterval:          time.Duration(cfg.Central.PollIntervalSec) * time.Second,
		MaxConcurrentRuns:     cfg.Central.MaxConcurrentRuns,
		RunRetention:          time.Duration(cfg.Central.RunRetentionDays) * 24 * time.Hour,
		RunHistoryMaxRows:     cfg.Central.RunHistoryMaxRows,
		QueueWarningThreshold: cfg.Central.QueueWarningThreshold,
		RunningAgeWarning:     time.Duration(cfg.Central.RunningAgeWarningSec) * time.Second,
		WaitingForUserTimeout: time.Duration(cfg.Central.WaitingForUserTimeoutHr) * time.Hour,
	},
		zubot.CentralLogger(logger),
		zubot.CentralMemory(store, sweeper, summaryWorker),
		zubot.CentralSQL(queue),
		zubot.CentralDayKey(store.LocalDayKey),
		zubot.CentralProfiles(profileLoader(cfg.Central.TasksDir, logger)),
	)

	workers := zubot.NewWorkerManager(agents,
		zubot.WorkerPoolSize(cfg.Workers.MaxReady),
		zubot.WorkerLogger(logger),
		zubot.WorkerForwarder(central.RecordWorkerEvent))

	chat, err := zubot.NewChatService(agents, store,
		zubot.ChatBudgets(cfg.Chat.MaxSteps, cfg.Chat.MaxToolCalls, time.Duration(cfg.Chat.TimeoutSec)*time.Second),
		zubot.ChatSessionsDir(cfg.Memory.SessionsDir),
		zubot.ChatPathPolicy(policy),
		zubot.ChatGuard(zubot.NewInjectionGuard(zubot.GuardLogger(logger))),
		zubot.ChatCentral(central),
		zubot.ChatSweeper(sweeper),
		zubot.ChatMemoryWorker(summaryWorker),
		zubot.ChatDayKey(store.LocalDayKey),
		zubot.ChatLogger(logger))
	if err != nil {
		queue.Close()
		return nil, nil, err
	}

	zubot.RegisterTaskTools(reg, central)
	zubot.RegisterWorkerTools(reg, workers)

	runtime := zubot.NewRuntime(central, workers, chat, summaryWorker, sweeper, zubot.RuntimeLogger(logger))

	cleanup := func() {
		runtime.Stop()
		if err := queue.Close(); err != nil {
			logger.Warn("queue close failed", "error", err)
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}
	return &app{runtime: runtime, chat: chat, central: central}, cleanup, nil
}

// buildModels turns the config's model table into provider-backed specs.
func buildModels(cfg config.Config, inst *observer.Instruments, logger *slog.Logger) ([]zubot.ModelSpec, error) {
	var specs []zubot.ModelSpec
	for id, m := range cfg.Models {
		pc, err := cfg.ProviderFor(m)
		if err != nil {
			return nil, err
		}
		var p zubot.Provider = openaicompat.NewProvider(pc.ResolveAPIKey(), id, pc.BaseURL,
			openaicompat.WithName(m.Provider),
			openaicompat.WithLogger(logger))
		if pc.RPMLimit > 0 || pc.TPMLimit > 0 {
			p = zubot.WithRateLimit(p, zubot.RPM(pc.RPMLimit), zubot.TPM(pc.TPMLimit))
		}
		if inst != nil {
			p = observer.WrapProvider(p, id, inst)
		}
		specs = append(specs, zubot.ModelSpec{
			ID:               id,
			Alias:            m.Alias,
			Tier:             m.Tier,
			MaxContextTokens: m.MaxContextTokens,
			MaxOutputTokens:  m.MaxOutputTokens,
			Provider:         p,
		})
	}
	return specs, nil
}

// profileLoader re-reads the task profile directory on every schedule
// sync so edits land without a restart.
func profileLoader(dir string, logger *slog.Logger) func() []zubot.TaskProfile {
	return func() []zubot.TaskProfile {
		profiles, report, err := config.LoadProfiles(dir)
		if err != nil {
			logger.Warn("task profiles unavailable", "dir", dir, "error", err)
			return nil
		}
		for _, e := range report.Errors {
			logger.Warn("task profile skipped", "detail", e)
		}
		return profiles
	}
}

func runDaemon(a *app, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.runtime.Start("daemon")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		a.runtime.Stop()
		return nil
	})
	return g.Wait()
}

func runChat(a *app, session string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.runtime.Start("chat")
	defer a.runtime.Stop()

	fmt.Println("zubot ready. /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/reset":
			a.chat.ResetSession(session)
			fmt.Println("session reset")
			continue
		case line == "/status":
			printJSON(a.runtime.Health(ctx))
			continue
		}

		reply, err := a.chat.HandleTurn(ctx, session, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Println("error:", err)
			continue
		}
		fmt.Println(reply.Text)
	}
}

func runStatus(a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	printJSON(a.runtime.Health(ctx))
	return nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(out))
}
