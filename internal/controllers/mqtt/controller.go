package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
	"github.com/giorgiodidon/controller-forno/internal/ports"
)

type Config struct {
	// Identity
	KilnID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainSnapshot  bool
	PublishInterval time.Duration

	Username string
	Password string
}

// Controller publishes kiln snapshots and accepts commands over MQTT.
// Command topics under <base>/cmd/:
//
//	autotune/start    {"test_temperature": 600}
//	autotune/stop     (empty payload)
//	program/start     kiln.ProgramSpec JSON
//	program/stop      (empty payload)
//	adaptive          {"value": true}
//	safety/reset      (empty payload)
type Controller struct {
	svc ports.KilnService
	cfg Config
	log *zap.Logger

	client mqtt.Client
}

func New(svc ports.KilnService, cfg Config, log *zap.Logger) (*Controller, error) {
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}
	if cfg.KilnID == "" {
		return nil, errors.New("mqtt: KilnID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "forno/" + cfg.KilnID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "forno-" + cfg.KilnID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 2 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{svc: svc, cfg: cfg, log: log}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		topic := c.topic("cmd/#")
		token := cl.Subscribe(topic, c.cfg.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Warn("mqtt subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Publish loop: snapshot on interval, only when changed.
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	var last kiln.Snapshot
	first := true

	c.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			cur := c.svc.Get()
			if first || !reflect.DeepEqual(cur, last) {
				c.publishSnapshot()
				last = cur
				first = false
			}
		}
	}
}

func (c *Controller) publishSnapshot() {
	b, _ := json.Marshal(c.svc.Get())
	c.client.Publish(c.topic("snapshot"), c.cfg.QoS, c.cfg.RetainSnapshot, b)
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	prefix := c.cfg.BaseTopic + "/cmd/"
	if !strings.HasPrefix(msg.Topic(), prefix) {
		return
	}
	cmd := strings.TrimPrefix(msg.Topic(), prefix)
	payload := msg.Payload()

	var err error
	switch cmd {
	case "autotune/start":
		err = c.startAutotune(payload)
	case "autotune/stop":
		err = c.svc.StopAutotune()
	case "program/start":
		err = c.startProgram(payload)
	case "program/stop":
		err = c.svc.StopProgram()
	case "adaptive":
		var on bool
		if on, err = decodeValueStrict[bool](payload); err == nil {
			c.svc.SetAdaptive(on)
		}
	case "safety/reset":
		c.svc.ResetEmergency()
	default:
		return
	}
	if err != nil {
		c.log.Warn("mqtt command failed", zap.String("cmd", cmd), zap.Error(err))
	}
}

type autotuneReq struct {
	TestTemperature float64  `json:"test_temperature"`
	RelayHigh       *float64 `json:"relay_high"`
	RelayLow        *float64 `json:"relay_low"`
	Hysteresis      *float64 `json:"hysteresis"`
}

func (c *Controller) startAutotune(payload []byte) error {
	var req autotuneReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	params := kiln.DefaultAutotuneParams(req.TestTemperature)
	if req.RelayHigh != nil {
		params.RelayHigh = *req.RelayHigh
	}
	if req.RelayLow != nil {
		params.RelayLow = *req.RelayLow
	}
	if req.Hysteresis != nil {
		params.Hysteresis = *req.Hysteresis
	}
	_, err := c.svc.StartAutotune(params)
	return err
}

func (c *Controller) startProgram(payload []byte) error {
	var spec kiln.ProgramSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return err
	}
	_, err := c.svc.StartProgram(spec.Program())
	return err
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
