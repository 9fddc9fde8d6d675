// cmd/audiolink/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/audiolink/internal/config"
	"github.com/keshon/audiolink/internal/gateway"
	"github.com/keshon/audiolink/internal/link"
	"github.com/keshon/audiolink/internal/logging"
	"github.com/keshon/audiolink/internal/node"
	"github.com/keshon/audiolink/internal/pool"
	"github.com/keshon/audiolink/internal/storage"
	"github.com/keshon/audiolink/internal/telemetry"
	v "github.com/keshon/audiolink/internal/version"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFile)
	logger.Info().Str("version", v.Version).Msgf("Starting %s...", v.AppName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(ctx, cfg.StoragePath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		log.Fatal(err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	ready := make(chan struct{})
	dg.AddHandlerOnce(func(s *discordgo.Session, r *discordgo.Ready) {
		close(ready)
	})

	if err := dg.Open(); err != nil {
		log.Fatal(err)
	}
	defer dg.Close()

	select {
	case <-ready:
	case <-time.After(30 * time.Second):
		log.Fatal("timed out waiting for gateway ready")
	}

	adapter := gateway.New(dg, logger)
	manager := pool.New(adapter, store, pool.Options{
		UserID:     dg.State.User.ID,
		ClientName: v.AppName + "/" + v.Version,
		Reconnect: node.ReconnectPolicy{
			Auto:     cfg.ReconnectAuto,
			MaxTries: cfg.ReconnectTries,
			Delay:    cfg.ReconnectDelay,
		},
		Resume: pool.ResumePolicy{
			Enabled: cfg.ResumeEnabled,
			Timeout: cfg.ResumeTimeout,
		},
	}, logger)
	defer manager.Close()

	adapter.Attach(manager)

	manager.Subscribe(func(ev link.Event) {
		logger.Debug().Str("guild", ev.GuildID).Str("event", ev.Type.String()).Msg("link event")
	})
	manager.SubscribeNodeStatus(func(nodeID string, status node.Status) {
		logger.Info().Str("node", nodeID).Str("status", status.String()).Msg("node status")
	})

	specs, err := cfg.NodeSpecs()
	if err != nil {
		log.Fatal(err)
	}
	for _, spec := range specs {
		if _, err := manager.AddNode(node.Config{
			ID:       spec.ID,
			Host:     spec.Host,
			Port:     spec.Port,
			Password: spec.Password,
			Secure:   spec.Secure,
		}); err != nil {
			log.Fatal(err)
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.MetricsHandler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Msgf("Received signal %s, shutting down...", s)
		cancel()
	case <-ctx.Done():
	}

	logger.Info().Msg("Exited cleanly")
}
