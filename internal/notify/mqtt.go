// Package notify delivers operator-facing events over MQTT. Delivery is
// best effort: the control loop never waits on the broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type Config struct {
	BrokerURL string
	ClientID  string
	BaseTopic string
	QoS       byte
	Username  string
	Password  string
}

// MQTTNotifier implements kiln.Notifier. Events publish to
// <base>/events/<event> as JSON.
type MQTTNotifier struct {
	cfg    Config
	client mqtt.Client
	log    *zap.Logger
}

func NewMQTT(cfg Config, log *zap.Logger) (*MQTTNotifier, error) {
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}
	if cfg.BaseTopic == "" {
		return nil, errors.New("mqtt notifier: BaseTopic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "forno-notify"
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt notifier: QoS must be 0 or 1")
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	n := &MQTTNotifier{cfg: cfg, client: mqtt.NewClient(opts), log: log}
	tok := n.client.Connect()
	// Connect retries in the background; do not block startup on the broker.
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			log.Warn("mqtt notifier connect failed", zap.Error(err))
		}
	}()
	return n, nil
}

// Notify publishes one event. Marshal or publish failures are logged and
// swallowed.
func (n *MQTTNotifier) Notify(ctx context.Context, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn("event payload marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	topic := strings.TrimRight(n.cfg.BaseTopic, "/") + "/events/" + event
	n.client.Publish(topic, n.cfg.QoS, false, b)
}

func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
