package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sensorbridge/internal/config"
	"sensorbridge/internal/logging"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type bridgeMessage struct {
	Sensor      string   `json:"sensor"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

// MQTTPoller listens to a serial-to-MQTT bridge. Each Poll returns the
// measurements received since the previous one, latest per sensor.
type MQTTPoller struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *zerolog.Logger

	mu     sync.Mutex
	latest map[string]*Measurement
}

func NewMQTTPoller(cfg config.MQTTConfig, logger *zerolog.Logger) *MQTTPoller {
	p := &MQTTPoller{
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		logger: logging.Component(logger, "mqtt"),
		latest: make(map[string]*Measurement),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// Subscriptions do not survive a reconnect with a clean session.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(p.topic, p.qos, p.handle); token.Wait() && token.Error() != nil {
			p.logger.Error().Err(token.Error()).Str("topic", p.topic).Msg("subscribe failed")
			return
		}
		p.logger.Info().Str("topic", p.topic).Msg("subscribed")
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		p.logger.Warn().Err(err).Msg("connection to broker lost")
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect dials the broker and waits until connected or ctx is done.
func (p *MQTTPoller) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPoller) handle(_ mqtt.Client, msg mqtt.Message) {
	m, name, err := decodeBridgeMessage(msg.Payload())
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping malformed bridge message")
		return
	}

	p.mu.Lock()
	p.latest[name] = m
	p.mu.Unlock()
}

func decodeBridgeMessage(payload []byte) (*Measurement, string, error) {
	var msg bridgeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, "", err
	}
	if msg.Sensor == "" {
		return nil, "", errors.New("sensor name missing")
	}
	if msg.Temperature == nil || msg.Humidity == nil {
		return nil, "", fmt.Errorf("sensor %s: temperature and humidity are required", msg.Sensor)
	}
	return &Measurement{Temperature: *msg.Temperature, Humidity: *msg.Humidity}, msg.Sensor, nil
}

func (p *MQTTPoller) Poll(ctx context.Context) (map[string]*Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.latest
	p.latest = make(map[string]*Measurement, len(out))
	return out, nil
}

// Close disconnects, also aborting a connect still retrying in the background.
func (p *MQTTPoller) Close() {
	p.client.Disconnect(250)
}
