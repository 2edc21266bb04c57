// Command tradecopier is the trade copier's long-running process: it
// loads configuration, wires every component through internal/orchestrator,
// and runs until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/RohanRawatRR/trade-copier/configs"
	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
	"github.com/RohanRawatRR/trade-copier/internal/config"
	"github.com/RohanRawatRR/trade-copier/internal/orchestrator"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	settings, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}
	if settings.LogLevel != "" {
		if level, err := zerolog.ParseLevel(settings.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	topology, err := configs.LoadTopology("configs/config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load topology file")
	}

	httpConfig := brokerage.HTTPConfig{
		BaseURL:   firstNonEmpty(os.Getenv("ALPACA_BASE_URL"), topology.Alpaca.BaseURL, settings.AlpacaBaseURL),
		DataURL:   firstNonEmpty(os.Getenv("ALPACA_DATA_URL"), topology.Alpaca.DataURL, settings.AlpacaDataURL),
		StreamURL: firstNonEmpty(os.Getenv("ALPACA_STREAM_URL"), topology.Alpaca.StreamURL, settings.AlpacaStreamURL),
	}
	brokerageFactory := brokerage.NewHTTPFactory(httpConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := orchestrator.New(ctx, settings, brokerageFactory, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize trade copier")
	}

	if err := app.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("trade copier exited with error")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
