// Command ollisten-agent runs one agent's prompter in its own process,
// connected to the desktop app's bus hub.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ollisten/internal/agents"
	"ollisten/internal/bridge"
	"ollisten/internal/config"
	"ollisten/internal/events"
	"ollisten/internal/llm"
	"ollisten/internal/logging"
	"ollisten/internal/prompter"
	"ollisten/internal/transcription"
)

func main() {
	hubFlag := flag.String("hub", "ws://"+config.DefaultHubAddr+bridge.BusPath, "Bus hub WebSocket URL")
	agentFlag := flag.String("agent", "", "Agent name (file stem in the agent directory)")
	geometryFlag := flag.String("geometry", agents.FormatGeometry(agents.DefaultGeometry), "Window geometry as x,y,width,height")
	logDirFlag := flag.String("log-dir", config.LogDir(), "Log directory")
	flag.Parse()

	if *agentFlag == "" {
		fmt.Fprintln(os.Stderr, "--agent is required")
		os.Exit(2)
	}
	if err := run(*hubFlag, *agentFlag, *geometryFlag, *logDirFlag); err != nil {
		log.Fatalf("agent %s: %v", *agentFlag, err)
	}
}

func run(hubURL, name, geometry, logDir string) error {
	g, err := agents.ParseGeometry(geometry)
	if err != nil {
		return err
	}

	logger, err := logging.New(logDir, "agent-"+config.SanitizeAgentName(name), false)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logger.Close()
	lg := logger.With().Str("agent", name).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewAgentStore(config.AgentDir()).Get(name)
	if err != nil {
		return err
	}
	appCfg, err := config.NewJSONStore(config.ConfigPath()).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := bridge.Dial(ctx, hubURL, lg)
	if err != nil {
		return err
	}
	defer client.Close()
	bus := events.NewBus(events.WithTransport(client), events.WithLogger(lg))

	// The host re-announces its selections when this window opens, so the
	// tracker and selector must be subscribed first.
	sources := transcription.NewSourceTracker(bus)
	defer sources.Close()
	selector := llm.NewSelector(bus, llm.NewClient(appCfg.LlmEndpoint), lg)
	defer selector.Close()

	p := prompter.New(ctx, bus, selector, sources, lg)
	if err := p.Configure(cfg); err != nil {
		return err
	}
	stopPrompter := p.Start(true)
	lg.Info().Str("hub", hubURL).Msg("agent started")
	bus.Send(ctx, events.AgentWindowOpen{AgentName: name, Geometry: g})

	select {
	case <-ctx.Done():
	case <-client.Done():
		lg.Warn().Msg("bus connection lost")
	}

	stopPrompter()
	bus.Send(context.Background(), events.AgentWindowClosed{AgentName: name})
	lg.Info().Msg("agent stopped")
	return nil
}
