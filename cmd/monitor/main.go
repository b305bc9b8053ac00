// Command ollisten-monitor shows live transcript fragments and LLM
// exchanges from the desktop app's bus hub.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"ollisten/internal/bridge"
	"ollisten/internal/config"
	"ollisten/internal/events"
	"ollisten/internal/logging"
	"ollisten/internal/monitor"
)

func main() {
	hubFlag := flag.String("hub", "ws://"+config.DefaultHubAddr+bridge.BusPath, "Bus hub WebSocket URL")
	logDirFlag := flag.String("log-dir", config.LogDir(), "Log directory")
	flag.Parse()

	logger, err := logging.New(*logDirFlag, "monitor", false)
	if err != nil {
		log.Fatalf("open log: %v", err)
	}
	defer logger.Close()

	client, err := bridge.Dial(context.Background(), *hubFlag, logger.Logger)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Close()
	bus := events.NewBus(events.WithTransport(client), events.WithLogger(logger.Logger))

	p := tea.NewProgram(monitor.New(), tea.WithAltScreen())
	unsubscribe := monitor.Forward(bus, p.Send)
	defer unsubscribe()

	go func() {
		<-client.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		logger.Error().Err(err).Msg("monitor failed")
		os.Exit(1)
	}
}
