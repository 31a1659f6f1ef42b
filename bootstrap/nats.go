package bootstrap

import (
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"warden/config"
)

// InitNATS connects with unlimited reconnects; the connection outlives broker restarts
func InitNATS(cfg config.NATSConfig, sugar *zap.SugaredLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("warden"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				sugar.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			sugar.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			sugar.Errorw("NATS async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	sugar.Infow("Connected to NATS", "url", nc.ConnectedUrl())
	return nc, nil
}
