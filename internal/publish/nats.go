package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"nidsguard/internal/config"
	"nidsguard/internal/logging"
	"nidsguard/internal/model"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type NATS struct {
	nc      natsConn
	subject string
}

// NewNATS connects to the configured server. It returns nil, nil when the
// sink is disabled.
func NewNATS(cfg config.NATSConfig, logger *slog.Logger) (*NATS, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Discard()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("nidsguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("nats publish enabled", "url", cfg.URL, "subject", cfg.Subject)
	return &NATS{nc: nc, subject: cfg.Subject}, nil
}

func (n *NATS) Name() string {
	return "nats"
}

// Publish sends to <subject>.<model id>, so consumers can subscribe to one
// model or to <subject>.> for all of them.
func (n *NATS) Publish(ctx context.Context, res model.PredictionResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(res)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject+"."+res.ModelID, data)
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}
