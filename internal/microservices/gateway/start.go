package gateway

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"table-session/internal/common/config"
	"table-session/internal/common/httpx"
	"table-session/internal/common/logger"
	"table-session/internal/common/mq"
	"table-session/internal/common/token"
	"table-session/internal/microservices/gateway/handler"
	"table-session/internal/microservices/gateway/hub"
	"table-session/internal/microservices/gateway/service"
)

// Start runs the websocket server and, when RabbitMQ is configured, the
// broker bridge. Both stop with ctx.
func Start(ctx context.Context, cfg config.App, lg *logger.Logger) error {
	signer, err := token.NewSigner(cfg.Gateway.TokenSecret, token.DefaultTTL)
	if err != nil {
		return err
	}
	h := hub.New()

	var (
		pub    handler.Publisher
		bridge *service.Bridge
	)
	if cfg.RequireRabbit() == nil {
		client, err := mq.Dial(mq.FromConfig(cfg.Rabbit))
		if err != nil {
			return err
		}
		defer client.Close()
		pub = client
		bridge = service.NewBridge(client, h, cfg.Rabbit.Exchange, lg.Named("bridge"))
	} else {
		lg.Warn("rabbitmq_not_configured", map[string]any{"effect": "emits rejected, no broker fan-out"})
	}

	ws := handler.NewWSHandler(h, signer, pub, cfg.Rabbit.Exchange, lg.Named("ws"))
	addr := fmt.Sprintf(":%d", cfg.Gateway.Port)
	srv := httpx.New(addr, httpx.Logged(lg, handler.Router(ws, h)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer ws.Close()
		return srv.Run(gctx)
	})
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}
	lg.Info("service_started", map[string]any{"addr": addr})
	err = g.Wait()
	lg.Info("service_stopped", map[string]any{"addr": addr})
	return err
}
