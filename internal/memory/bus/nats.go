package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/config"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory"
)

// NATSBridge publishes SyncEvents to NATS for cross-instance fan-out,
// satisfying the Bus' Bridge interface.
type NATSBridge struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSBridge dials cfg.URL and returns a ready Bridge. An empty URL
// disables the bridge entirely; callers should skip construction in that case.
func NewNATSBridge(cfg config.NATSConfig, log *logger.Logger) (*NATSBridge, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS memory bridge disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS memory bridge reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS memory bridge error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("connected to NATS memory bridge", zap.String("url", cfg.URL))
	return &NATSBridge{conn: conn, log: log}, nil
}

// Publish serializes event as JSON and publishes it on
// "memnexus:session:<sessionID>". Errors are returned, never panicked on;
// the Bus logs and swallows them per the sync bus contract.
func (n *NATSBridge) Publish(sessionID string, event memory.SyncEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal sync event: %w", err)
	}

	subject := "memnexus:session:" + sessionID
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the underlying NATS connection.
func (n *NATSBridge) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.log.Warn("error draining NATS memory bridge", zap.Error(err))
		n.conn.Close()
	}
}
