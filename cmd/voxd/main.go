// Command voxd runs the vox voice-agent daemon: the websocket gateway,
// the foreground conversation agent, and the background subconscious
// analyzers, wired together through the service registry and event bus.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/vox/internal/agent"
	"github.com/basket/vox/internal/analysis"
	"github.com/basket/vox/internal/audit"
	"github.com/basket/vox/internal/bus"
	"github.com/basket/vox/internal/config"
	"github.com/basket/vox/internal/conversation"
	"github.com/basket/vox/internal/gateway"
	"github.com/basket/vox/internal/llm"
	"github.com/basket/vox/internal/lookup"
	"github.com/basket/vox/internal/maintenance"
	"github.com/basket/vox/internal/otel"
	"github.com/basket/vox/internal/persistence"
	"github.com/basket/vox/internal/plugin"
	"github.com/basket/vox/internal/registry"
	"github.com/basket/vox/internal/subconscious"
	"github.com/basket/vox/internal/telemetry"
	"github.com/basket/vox/internal/tools"
)

func main() {
	loadDotEnv(".env")

	home := flag.String("home", "", "vox home directory (default $VOX_HOME or ~/.vox)")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *home
	if homeDir == "" {
		homeDir = config.HomeDir()
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)
	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found, running with defaults")
	}

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	services := registry.New(registry.Options{Strict: cfg.StrictMode, Logger: logger})
	registerServices(services, cfg, logger, metrics)

	results := services.InitializeAll(ctx)
	for _, res := range results {
		if res.Success {
			logger.Info("service initialized", "service", res.Name, "duration", res.Duration)
			continue
		}
		fatalStartup(logger, "E_SERVICE_INIT",
			fmt.Errorf("service %s: %w", res.Name, res.Err))
	}
	defer func() {
		destroyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		services.Destroy(destroyCtx)
	}()

	eventBus, err := registry.GetAs[*bus.Bus](services, "bus")
	if err != nil {
		fatalStartup(logger, "E_SERVICE_INIT", err)
	}
	if _, err := eventBus.SubscribeToPattern("*", func(ctx context.Context, e bus.Event) error {
		audit.Record(e)
		metrics.EventsPublished.Add(ctx, 1, metric.WithAttributes(otel.AttrEventType.String(e.Type)))
		switch {
		case strings.HasPrefix(e.Type, bus.AnalysisTypePrefix):
			metrics.AnalysisTicks.Add(ctx, 1, metric.WithAttributes(otel.AttrAnalyzerKind.String(strings.TrimPrefix(e.Type, bus.AnalysisTypePrefix))))
		case e.Type == bus.TypeConversationStarted:
			metrics.ActiveSessions.Add(ctx, 1)
		case e.Type == bus.TypeConversationEnded:
			metrics.ActiveSessions.Add(ctx, -1)
		case e.Type == bus.TypeToolCallFailed:
			metrics.ToolCallErrors.Add(ctx, 1)
		}
		return nil
	}); err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	store, err := registry.GetAs[*persistence.Store](services, "store")
	if err != nil {
		fatalStartup(logger, "E_SERVICE_INIT", err)
	}
	directory, err := registry.GetAs[*lookup.Directory](services, "directory")
	if err != nil {
		fatalStartup(logger, "E_SERVICE_INIT", err)
	}
	plugins, err := registry.GetAs[*plugin.Registry](services, "plugins")
	if err != nil {
		fatalStartup(logger, "E_SERVICE_INIT", err)
	}

	// Agents from config, or the default roster when none are declared.
	agentConfigs := cfg.Agents
	if len(agentConfigs) == 0 {
		agentConfigs = defaultAgents()
	}

	manager := agent.NewManager(&agent.Context{
		Bus:      eventBus,
		Services: services,
		Logger:   logger,
	}, logger)
	var hooks conversation.Hooks
	for _, ac := range agentConfigs {
		if !ac.Enabled {
			logger.Info("agent disabled", "agent_id", ac.ID, "type", ac.Type)
			continue
		}
		a, err := plugins.CreateAgent(ac.Type, ac)
		if err != nil {
			fatalStartup(logger, "E_AGENT_CREATE", fmt.Errorf("agent %s: %w", ac.ID, err))
		}
		if err := manager.Add(ctx, a); err != nil {
			fatalStartup(logger, "E_AGENT_INIT", fmt.Errorf("agent %s: %w", ac.ID, err))
		}
		if conv, ok := a.(*conversation.Agent); ok {
			hooks = conv
		}
	}
	if hooks == nil {
		fatalStartup(logger, "E_AGENT_INIT", errors.New("no conversation agent configured"))
	}
	manager.StartAll()
	defer manager.StopAll()
	logger.Info("startup phase", "phase", "agents_started", "agents", manager.IDs())

	// Background maintenance.
	if cfg.Maintenance.Schedule != "" {
		sched, err := maintenance.NewScheduler(maintenance.Config{
			Store:     store,
			Logger:    logger,
			Schedule:  cfg.Maintenance.Schedule,
			Retention: cfg.Maintenance.Retention,
		})
		if err != nil {
			fatalStartup(logger, "E_MAINTENANCE_INIT", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	// Hot reload of the caller directory and system prompt.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go reloadLoop(ctx, watcher, cfg, directory, logger)
	}

	gw := gateway.New(gateway.Config{
		Hooks:             hooks,
		Bus:               eventBus,
		Store:             store,
		AuthToken:         cfg.HTTP.AuthToken,
		AllowOrigins:      cfg.HTTP.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})
	server := &http.Server{
		Addr:    cfg.HTTP.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.HTTP.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.HTTP.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// registerServices declares the shared runtime services. Construction is
// lazy; InitializeAll builds them in dependency order.
func registerServices(services *registry.Registry, cfg config.Config, logger *slog.Logger, metrics *otel.Metrics) {
	_ = services.RegisterInstance("config", cfg)

	_ = services.Register("bus", func(*registry.Resolver) (any, error) {
		return bus.New(bus.Options{
			HistoryEnabled: cfg.Bus.HistoryEnabled,
			HistoryLimit:   cfg.Bus.HistoryLimit,
			StatsWindow:    cfg.Bus.StatsWindow,
			Logger:         logger,
			Metrics:        metrics,
		}), nil
	})

	_ = services.Register("store", func(*registry.Resolver) (any, error) {
		return persistence.Open(cfg.DatabasePath())
	})

	_ = services.Register("llm", func(*registry.Resolver) (any, error) {
		if cfg.LLM.APIKey == "" {
			return nil, errors.New("llm: api key not configured (set OPENAI_API_KEY)")
		}
		return llm.New(llm.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Metrics:     metrics,
		}), nil
	})

	_ = services.Register("directory", func(*registry.Resolver) (any, error) {
		return lookup.NewDirectory(cfg.Directory), nil
	})

	_ = services.Register("tools", func(res *registry.Resolver) (any, error) {
		dir, err := registry.ResolveAs[*lookup.Directory](res, "directory")
		if err != nil {
			return nil, err
		}
		reg := tools.NewRegistry(cfg.StrictMode, logger)
		reg.SetMetrics(metrics)
		if err := reg.Register(tools.CallerLookupDefinition, tools.NewCallerLookup(dir)); err != nil {
			return nil, err
		}
		return reg, nil
	}, "directory")

	_ = services.Register("plugins", func(res *registry.Resolver) (any, error) {
		return buildPlugins(res, cfg, logger, metrics)
	}, "bus", "store", "llm", "tools")
}

// buildPlugins registers the built-in agent types.
func buildPlugins(res *registry.Resolver, cfg config.Config, logger *slog.Logger, metrics *otel.Metrics) (*plugin.Registry, error) {
	client, err := registry.ResolveAs[*llm.Client](res, "llm")
	if err != nil {
		return nil, err
	}
	store, err := registry.ResolveAs[*persistence.Store](res, "store")
	if err != nil {
		return nil, err
	}
	toolReg, err := registry.ResolveAs[*tools.Registry](res, "tools")
	if err != nil {
		return nil, err
	}

	snapshots := snapshotStore{store: store}
	subconsciousFactory := func(kind, instructions string) plugin.AgentFactory {
		return func(ac agent.Config) (agent.Agent, error) {
			return subconscious.New(subconscious.Options{
				ID:             ac.ID,
				Kind:           kind,
				Frequency:      ac.Frequency,
				BufferCapacity: intSetting(ac.Settings, "buffer_capacity"),
				Analyzer:       analysis.NewLLMAnalyzer(client, kind, instructions),
				Snapshots:      snapshots,
				Metrics:        metrics,
				Logger:         logger,
			}), nil
		}
	}

	plugins := plugin.NewRegistry(plugin.Options{Strict: cfg.StrictMode, Logger: logger})
	err = plugins.Register(&plugin.Plugin{
		Name: "builtin",
		Capabilities: []plugin.Capability{
			plugin.CapabilityConversation,
			plugin.CapabilityAnalysis,
			plugin.CapabilityToolExecution,
		},
		AgentTypes: map[string]plugin.AgentFactory{
			"conversation": func(ac agent.Config) (agent.Agent, error) {
				return conversation.New(conversation.Options{
					ID:            ac.ID,
					SystemPrompt:  cfg.SystemPrompt,
					Completer:     client,
					Tools:         toolReg,
					History:       store,
					MaxToolRounds: intSetting(ac.Settings, "max_tool_rounds"),
					Logger:        logger,
				})
			},
			"subconscious.topics":    subconsciousFactory("topics", analysis.TopicsInstructions),
			"subconscious.sentiment": subconsciousFactory("sentiment", analysis.SentimentInstructions),
			"subconscious.summary":   subconsciousFactory("summary", analysis.SummaryInstructions),
		},
		Tools: []string{tools.CallerLookupDefinition.Name},
	})
	if err != nil {
		return nil, err
	}
	return plugins, nil
}

// snapshotStore narrows the persistence store to the subconscious
// snapshot hook.
type snapshotStore struct {
	store *persistence.Store
}

func (s snapshotStore) SaveAnalysis(ctx context.Context, sessionID, kind string, state analysis.State) error {
	return s.store.SaveAnalysis(ctx, sessionID, kind, state)
}

// defaultAgents is the roster used when config.yaml declares none.
func defaultAgents() []agent.Config {
	subFreq := 5 * time.Second
	return []agent.Config{
		{ID: "conversation", Type: "conversation", Enabled: true},
		{ID: "topics", Type: "subconscious.topics", Enabled: true, Frequency: subFreq},
		{ID: "sentiment", Type: "subconscious.sentiment", Enabled: true, Frequency: subFreq},
		{ID: "summary", Type: "subconscious.summary", Enabled: true, Frequency: 15 * time.Second},
	}
}

// reloadLoop applies hot-reloadable config edits: the caller directory
// and a restart hint for everything else.
func reloadLoop(ctx context.Context, watcher *config.Watcher, active config.Config, directory *lookup.Directory, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			newCfg, err := config.LoadFrom(active.HomeDir)
			if err != nil {
				logger.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			directory.Replace(newCfg.Directory)
			logger.Info("caller directory reloaded", "entries", directory.Len())
			if newCfg.Fingerprint() != active.Fingerprint() {
				logger.Warn("config change requires restart", "fingerprint", newCfg.Fingerprint())
			}
		}
	}
}

func intSetting(settings map[string]any, key string) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "voxd: %s: %v\n", code, err)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE lines from the given file into the
// environment, without overriding variables that are already set.
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
