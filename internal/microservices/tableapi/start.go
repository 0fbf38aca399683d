package tableapi

import (
	"context"
	"fmt"

	"table-session/internal/common/config"
	"table-session/internal/common/db"
	"table-session/internal/common/httpx"
	"table-session/internal/common/logger"
	"table-session/internal/common/mq"
	"table-session/internal/common/token"
	"table-session/internal/microservices/tableapi/handler"
	"table-session/internal/microservices/tableapi/repository"
	"table-session/internal/microservices/tableapi/service"
)

// Start serves the table api until ctx is cancelled. RabbitMQ is optional:
// without it scan notifications are simply not sent.
func Start(ctx context.Context, cfg config.App, lg *logger.Logger) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	signer, err := token.NewSigner(cfg.Gateway.TokenSecret, token.DefaultTTL)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	lg.Info("db_connected", map[string]any{"host": cfg.Database.Host, "database": cfg.Database.Name})

	var pub service.EventPublisher
	if cfg.RequireRabbit() == nil {
		client, err := mq.Dial(mq.FromConfig(cfg.Rabbit))
		if err != nil {
			lg.Warn("rabbitmq_unavailable", map[string]any{"error": err.Error()})
		} else {
			defer client.Close()
			if err := client.DeclareTopic(cfg.Rabbit.Exchange); err != nil {
				return fmt.Errorf("declare exchange: %w", err)
			}
			pub = client
		}
	}

	repo := repository.NewTableRepo(pool)
	svc := service.NewTableService(repo, signer, pub, cfg.Rabbit.Exchange, lg)
	h := handler.New(svc)

	addr := fmt.Sprintf(":%d", cfg.API.Port)
	srv := httpx.New(addr, httpx.Logged(lg, handler.Router(h)))
	lg.Info("service_started", map[string]any{"addr": addr})
	err = srv.Run(ctx)
	lg.Info("service_stopped", map[string]any{"addr": addr})
	return err
}
