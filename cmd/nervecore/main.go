// Command nervecore boots the full nervous-system process: the durable
// store, the bus, the FSM engine and its bound actions, the timed
// scheduler, the slice executor, the signal queue poller, one sense/
// extremity pair per configured channel, and the HTTP gateway.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/nervecore/internal/actions"
	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/config"
	"github.com/basket/nervecore/internal/extremities"
	"github.com/basket/nervecore/internal/fsm"
	"github.com/basket/nervecore/internal/gateway"
	"github.com/basket/nervecore/internal/llm"
	"github.com/basket/nervecore/internal/observability"
	otelPkg "github.com/basket/nervecore/internal/otel"
	"github.com/basket/nervecore/internal/pdca"
	"github.com/basket/nervecore/internal/plans"
	"github.com/basket/nervecore/internal/policy"
	"github.com/basket/nervecore/internal/renderer"
	"github.com/basket/nervecore/internal/scheduler"
	"github.com/basket/nervecore/internal/senses"
	"github.com/basket/nervecore/internal/store"
	"github.com/basket/nervecore/internal/telemetry"
	"github.com/basket/nervecore/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start with an interactive CLI sense on stdin/stdout
  %s -daemon         Start without the CLI sense (channels + gateway only)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES: see config.yaml / §6 of the interface spec. Key
ones: NERVECORE_HOME, NERVE_DB_PATH, BIND_ADDR, API_TOKEN, LLM_PROVIDER,
TELEGRAM_TOKEN, TELEGRAM_ALLOWED_IDS, OTEL_ENABLED.
`)
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run without the interactive CLI sense")
	flag.Usage = printUsage
	flag.Parse()

	interactive := !*daemon && isatty.IsTerminal(os.Stdin.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	st, err := store.Open(cfg.NerveDBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_open", "path", cfg.NerveDBPath)

	obsStore, err := observability.Open(cfg.ObservabilityDBPath, observability.Config{
		NonErrorTTLDays:      cfg.ObservabilityNonErrorTTLDays,
		ErrorTTLDays:         cfg.ObservabilityErrorTTLDays,
		MaxRows:              cfg.ObservabilityMaxRows,
		MaintenanceInterval:  time.Duration(cfg.ObservabilityMaintenanceSeconds) * time.Second,
	})
	if err != nil {
		fatalStartup(logger, "E_OBSERVABILITY_OPEN", err)
	}
	defer obsStore.Close()
	recorder := observability.NewRecorder(logger, obsStore)

	eventBus := bus.New()

	if err := seedCatalog(ctx, st, cfg.FSMInitialState); err != nil {
		fatalStartup(logger, "E_CATALOG_SEED", err)
	}
	logger.Info("startup phase", "phase", "catalog_seeded", "initial_state", cfg.FSMInitialState)

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	pol := policy.Default()
	if loaded, err := policy.Load(policyPath); err == nil {
		pol = loaded
	}
	livePolicy := policy.NewLivePolicy(pol, policyPath)
	toolRegistry := tools.NewRegistry(livePolicy)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start, hot-reload disabled", "error", err)
	} else {
		go watchConfig(ctx, watcher, livePolicy, policyPath, logger)
	}

	engine := fsm.New(st, eventBus, logger, cfg.FSMInitialState, time.Duration(cfg.ActionDeadlineSeconds)*time.Second)
	if cfg.Telemetry.Enabled {
		engine = engine.WithTracer(otelProvider.Tracer)
	}

	actionRuntime := &actions.Runtime{
		Principals: st,
		Tools:      toolRegistry,
		Renderer:   renderer.NewStaticRenderer(nil),
	}
	actionRegistry := actions.NewRegistry(actionRuntime)
	actionRegistry.Bind(engine)

	planRegistry := plans.NewRegistry(st)
	if err := planRegistry.RegisterAll(ctx, []plans.Definition{
		{
			PlanKind:    "tool_invocation",
			PlanVersion: 1,
			Schema:      toolInvocationSchema,
			Example:     `{"tool":"read_file","args":{"path":"README.md"}}`,
			ExecutorKey: "run_tool",
		},
		{
			PlanKind:    "create_reminder",
			PlanVersion: 1,
			Schema:      createReminderSchema,
			Example:     `{"target":{"channel":"cli","target":"user-1"},"schedule":"2026-08-06T12:00:00Z","message":"water the plants"}`,
			ExecutorKey: "create_reminder",
		},
	}); err != nil {
		fatalStartup(logger, "E_PLAN_REGISTRY_SEED", err)
	}
	planExecutor := plans.NewExecutor(st, planRegistry, eventBus, logger, 10)
	planExecutor.Register("run_tool", runToolExecutor(toolRegistry))
	planExecutor.Register("create_reminder", createReminderExecutor(st))
	go func() {
		if err := planExecutor.Run(ctx, time.Second); err != nil {
			logger.Error("plan executor exited", "error", err)
		}
	}()

	sched := scheduler.New(scheduler.Config{
		Store:  st,
		Bus:    eventBus,
		Logger: logger,
		Tick:   time.Duration(cfg.SchedulerTickSeconds) * time.Second,
		Lease:  time.Duration(cfg.SchedulerLeaseSeconds) * time.Second,
	})
	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler exited", "error", err)
		}
	}()

	llmProvider := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	})
	sliceCycle := pdca.NewLLMCycle(llmProvider, toolRegistry)
	for i := 0; i < cfg.SliceWorkerCount; i++ {
		workerID := fmt.Sprintf("slice-worker-%d", i)
		w := pdca.New(pdca.Config{Store: st, Bus: eventBus, Logger: logger, Cycle: sliceCycle}, workerID)
		go func() {
			if err := w.Run(ctx, time.Second); err != nil {
				logger.Error("slice executor exited", "error", err, "worker_id", workerID)
			}
		}()
	}

	poller := store.NewPoller(st, logger, 2*time.Second, 50, func(sig store.QueuedSignal) {
		_ = eventBus.Publish(sig.Type, bus.Signal{
			ID:            sig.ID,
			Type:          sig.Type,
			Source:        sig.Source,
			Payload:       sig.Payload,
			CorrelationID: sig.CorrelationID,
			Durable:       true,
		})
	})
	for i := 0; i < cfg.SignalPollerWorkerCount; i++ {
		go func() {
			if err := poller.Run(ctx); err != nil {
				logger.Error("signal poller exited", "error", err)
			}
		}()
	}

	go recordBusTrace(ctx, eventBus, recorder)

	pub := &senses.Publisher{Store: st, Bus: eventBus}

	var telegramBot *tgbotapi.BotAPI
	if cfg.Telegram.Enabled {
		telegramBot, err = tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Error("telegram bot init failed, channel disabled", "error", err)
		} else {
			tgSense := senses.NewTelegramSense(telegramBot, cfg.Telegram.AllowedIDs, pub, logger)
			tgExtremity := extremities.NewTelegramExtremity(telegramBot, eventBus, logger)
			go runSense(ctx, tgSense, logger)
			go runExtremity(ctx, tgExtremity, logger)
			logger.Info("telegram channel enabled", "bot_user", telegramBot.Self.UserName)
		}
	}

	if interactive {
		cliSense := senses.NewCLISense(os.Stdin, "operator", "operator-cli", pub, logger)
		cliExtremity := extremities.NewCLIExtremity(os.Stdout, eventBus, logger)
		go runSense(ctx, cliSense, logger)
		go runExtremity(ctx, cliExtremity, logger)
	}

	go func() {
		if err := engine.Run(ctx); err != nil {
			logger.Error("fsm engine exited", "error", err)
			stop()
		}
	}()
	logger.Info("startup phase", "phase", "fsm_running")

	gw := gateway.NewServer(gateway.Config{
		Store:       st,
		Bus:         eventBus,
		Logger:      logger,
		AuthToken:   cfg.APIToken,
		WaitTimeout: time.Duration(cfg.APIMessageWaitSeconds) * time.Second,
		CORS:        gateway.CORSConfig{AllowedOrigins: cfg.AllowOrigins},
		RateLimit:   gateway.RateLimitConfig{Enabled: true, RequestsPerMinute: 120, BurstSize: 30},
	})

	server := &http.Server{Addr: cfg.BindAddr, Handler: gw.Handler()}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "gateway_listener_bound", "addr", cfg.BindAddr)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// channelWorker is the shape shared by every sense and extremity: a key
// for logging and a blocking Start that runs until ctx is canceled.
type channelWorker interface {
	Key() string
	Start(ctx context.Context) error
}

func runSense(ctx context.Context, s channelWorker, logger *slog.Logger) {
	logger.Info("sense started", "key", s.Key())
	if err := s.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("sense exited", "key", s.Key(), "error", err)
	}
}

func runExtremity(ctx context.Context, e channelWorker, logger *slog.Logger) {
	logger.Info("extremity started", "key", e.Key())
	if err := e.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("extremity exited", "key", e.Key(), "error", err)
	}
}

// watchConfig reacts to config.yaml/policy.yaml edits on disk: a policy
// change is hot-reloaded into livePolicy immediately, while a config.yaml
// change only logs a restart warning, since most settings here (bind
// address, worker counts) require a process restart to take effect.
func watchConfig(ctx context.Context, w *config.Watcher, livePolicy *policy.LivePolicy, policyPath string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch ev.Path {
			case policyPath:
				if err := policy.ReloadFromFile(livePolicy, policyPath); err != nil {
					logger.Error("policy hot-reload failed", "error", err)
				} else {
					logger.Info("policy hot-reloaded", "version", livePolicy.PolicyVersion())
				}
			default:
				logger.Warn("config.yaml changed on disk; restart to apply", "path", ev.Path)
			}
		}
	}
}

// recordBusTrace subscribes to every signal and mirrors it into the
// durable observability trace (§4.11), independent of whether the FSM
// engine ever acts on it — this is the one place every signal type,
// including ones with no bound transition, still leaves a record.
func recordBusTrace(ctx context.Context, b *bus.Bus, recorder *observability.Recorder) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sub.Ch():
			if !ok {
				return
			}
			recorder.Emit(ctx, observability.Event{
				Level:         "info",
				Event:         sig.Type,
				CorrelationID: sig.CorrelationID,
				Node:          sig.Source,
				Status:        "observed",
				Payload:       map[string]any{"durable": sig.Durable},
			})
		}
	}
}

const toolInvocationSchema = `{
	"type": "object",
	"properties": {
		"tool": {"type": "string"},
		"args": {"type": "object"}
	},
	"required": ["tool"]
}`

// runToolExecutor adapts the tool registry into a plans.ExecutorFunc for
// the bundled "tool_invocation" plan kind: a plan instance whose payload
// names one tool call.
func runToolExecutor(registry *tools.Registry) plans.ExecutorFunc {
	return func(ctx context.Context, p store.PlanInstance) (plans.Outcome, error) {
		var req struct {
			Tool string         `json:"tool"`
			Args map[string]any `json:"args"`
		}
		if err := json.Unmarshal([]byte(p.Payload), &req); err != nil {
			return plans.Outcome{Status: "failed", ErrorSummary: "invalid payload: " + err.Error()}, nil
		}
		result := registry.Execute(ctx, req.Tool, req.Args)
		if result.Status == tools.StatusFailed {
			return plans.Outcome{Status: "failed", ErrorSummary: result.Error}, nil
		}
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return plans.Outcome{Status: "failed", ErrorSummary: err.Error()}, nil
		}
		return plans.Outcome{Status: "succeeded", StateJSON: string(resultJSON)}, nil
	}
}

const createReminderSchema = `{
	"type": "object",
	"properties": {
		"target": {
			"type": "object",
			"properties": {
				"channel": {"type": "string"},
				"target": {"type": "string"}
			},
			"required": ["channel", "target"]
		},
		"schedule": {"type": "string"},
		"message": {"type": "string"}
	},
	"required": ["target", "schedule"]
}`

// createReminderExecutor turns a validated "create_reminder" plan instance
// into a pending timed_signals row, the asynchronous counterpart to the
// direct scheduling handle_incoming_message does for the literal chat
// phrasing (internal/actions).
func createReminderExecutor(st *store.Store) plans.ExecutorFunc {
	return func(ctx context.Context, p store.PlanInstance) (plans.Outcome, error) {
		var req struct {
			Target struct {
				Channel string `json:"channel"`
				Target  string `json:"target"`
			} `json:"target"`
			Schedule string `json:"schedule"`
			Message  string `json:"message"`
		}
		if err := json.Unmarshal([]byte(p.Payload), &req); err != nil {
			return plans.Outcome{Status: "failed", ErrorSummary: "invalid payload: " + err.Error()}, nil
		}
		triggerAt, err := time.Parse(time.RFC3339, req.Schedule)
		if err != nil {
			return plans.Outcome{Status: "failed", ErrorSummary: "invalid schedule: " + err.Error()}, nil
		}
		payload, err := json.Marshal(map[string]string{
			"kind":    "create_reminder",
			"channel": req.Target.Channel,
			"target":  req.Target.Target,
			"message": "Reminder: " + req.Message,
		})
		if err != nil {
			return plans.Outcome{Status: "failed", ErrorSummary: err.Error()}, nil
		}
		if err := st.ScheduleTimedSignal(ctx, store.TimedSignal{
			ID:            uuid.NewString(),
			TriggerAt:     triggerAt,
			SignalType:    "timer_fired",
			Payload:       string(payload),
			Target:        req.Target.Target,
			Origin:        req.Target.Channel,
			CorrelationID: p.CorrelationID,
			Status:        "pending",
		}); err != nil {
			return plans.Outcome{Status: "failed", ErrorSummary: err.Error()}, nil
		}
		return plans.Outcome{Status: "succeeded", StateJSON: string(payload)}, nil
	}
}

// seedCatalog installs the default (§4.6 always-on) transitions plus the
// domain catalog every deployment needs to route its inbound signal types
// while idle, skipping re-seeding on a restart against an already
// populated database.
func seedCatalog(ctx context.Context, st *store.Store, initialState string) error {
	n, err := st.TransitionCount(ctx)
	if err != nil {
		return fmt.Errorf("check existing catalog: %w", err)
	}
	if n > 0 {
		return nil
	}

	if err := st.UpsertState(ctx, initialState, "Idle", false, true); err != nil {
		return err
	}
	if err := fsm.SeedDefaultCatalog(ctx, st, "error"); err != nil {
		return err
	}

	idleTransitions := []struct {
		signal string
		action string
	}{
		{bus.TopicCLIMessageReceived, "handle_incoming_message"},
		{bus.TopicTelegramMessageReceived, "handle_incoming_message"},
		{bus.TopicAPIMessageReceived, "handle_incoming_message"},
		{bus.TopicAPIStatusRequested, "handle_status"},
		{bus.TopicAPITimedSignalsRequested, "handle_timed_signals"},
		{bus.TopicTimerFired, "handle_timer_fired"},
		{bus.TopicTimedSignalFired, "handle_timer_fired"},
	}
	for _, t := range idleTransitions {
		if err := st.UpsertTransition(ctx, store.Transition{
			SourceStateKey: initialState,
			SignalKey:      t.signal,
			NextStateKey:   initialState,
			Priority:       100,
			IsEnabled:      true,
			ActionKey:      t.action,
		}); err != nil {
			return fmt.Errorf("seed transition for %s: %w", t.signal, err)
		}
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pid := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pid, pid)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
