package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
)

// Publisher bridges the in-process event bus onto NATS subjects so other
// services can react to gateway events without linking against this
// process. Publishing is fire-and-forget: a broker outage degrades
// external visibility, never message handling.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// NewPublisher connects to the broker and subscribes to every bus event
// family. Subjects are "<prefix>.status", ".message", ".pairing" and
// ".sync".
func NewPublisher(cfg config.NATSConfig, bus *channel.EventBus) (*Publisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("omnibridge-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logrus.WithError(err).Warn("[NATS] Disconnected from broker")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.Infof("[NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "omnibridge"
	}
	p := &Publisher{conn: conn, prefix: prefix}

	bus.OnConnectionStatus(func(evt channel.StatusEvent) {
		p.publish("status", evt)
	})
	bus.OnIncomingMessage(func(msg channel.IncomingMessage) {
		p.publish("message", msg)
	})
	bus.OnPairing(func(evt channel.PairingEvent) {
		p.publish("pairing", evt)
	})
	bus.OnSyncProgress(func(progress channel.SyncProgress) {
		p.publish("sync", progress)
	})

	logrus.Infof("[NATS] Publishing gateway events to %s.* at %s", prefix, cfg.URL)
	return p, nil
}

func (p *Publisher) publish(kind string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).Errorf("[NATS] Failed to encode %s event", kind)
		return
	}
	if err := p.conn.Publish(p.prefix+"."+kind, body); err != nil {
		logrus.WithError(err).Debugf("[NATS] Failed to publish %s event", kind)
	}
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}
