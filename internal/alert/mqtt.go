package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/ledger"
)

// MQTTConfig holds broker settings.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// ConnectTimeout bounds the first connection attempt. Later reconnects are
	// handled by the client in the background.
	ConnectTimeout time.Duration
}

// MQTTPublisher publishes alerts with QoS 1 on <prefix>/<machine>/alert.
// Lock and unlock alerts are retained so a dashboard that subscribes late
// still sees whether the machine is locked.
type MQTTPublisher struct {
	c      mqtt.Client
	prefix string
	log    *zap.Logger
}

func NewMQTTPublisher(cfg MQTTConfig, log *zap.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker not set")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(30 * time.Second).
		SetOrderMatters(false).
		SetConnectRetryInterval(30 * time.Second).
		SetConnectRetry(true).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected", zap.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", zap.Error(err))
		})

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		// SetConnectRetry keeps trying; publishes queue until then.
		log.Warn("mqtt: broker not reachable yet, retrying in background", zap.String("broker", cfg.Broker))
	} else if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTPublisher{c: c, prefix: cfg.TopicPrefix, log: log}, nil
}

// Topic is where alerts of machine are published.
func Topic(prefix, machine string) string {
	if prefix == "" {
		return machine + "/alert"
	}
	return prefix + "/" + machine + "/alert"
}

// Retained reports whether an alert kind describes lasting machine state.
func Retained(kind string) bool {
	return kind == ledger.AlertMachineLocked || kind == ledger.AlertMachineUnlocked
}

func (p *MQTTPublisher) Publish(ctx context.Context, a ledger.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	tok := p.c.Publish(Topic(p.prefix, a.Machine), 1, Retained(a.Kind), payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tok.Done():
		return tok.Error()
	}
}

// Close disconnects, giving in-flight messages a moment to go out.
func (p *MQTTPublisher) Close() {
	p.c.Disconnect(250)
}
