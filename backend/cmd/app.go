package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/collab-relay/backend/config"
	httpServer "github.com/adwski/collab-relay/backend/server/http"
	websocketServer "github.com/adwski/collab-relay/backend/server/websocket"
	"github.com/adwski/collab-relay/backend/service"
	sw "github.com/adwski/collab-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = cfg.Logger(os.Stdout)

	roomSwitch := sw.NewSwitch(&logger)
	svc := service.NewService(service.Config{
		Switch: roomSwitch,
		Logger: &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		RoomService:    svc,
		ListenAddr:     cfg.APIListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		SessionService: svc,
		ListenAddr:     cfg.WSListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		MailboxSize:    cfg.MailboxSize,
		MaxMessageSize: cfg.MaxMessageSize,
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// switch outlives servers so sessions can leave their rooms on shutdown
	swCtx, swCancel := context.WithCancel(context.Background())
	swWg := &sync.WaitGroup{}
	swWg.Add(1)
	go roomSwitch.Run(swCtx, swWg)

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	swCancel()
	swWg.Wait()
}
