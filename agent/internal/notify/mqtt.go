package notify

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/opticourier/opticourier/agent/internal/config"
)

const (
	defaultMQTTClientID = "opticourier-agent"
	mqttPublishTimeout  = 2 * time.Second
)

// publisher sends one payload to a topic.
type publisher interface {
	Publish(topic string, qos byte, payload []byte) error
	Close()
}

// mqttPublisher wraps a paho client that keeps reconnecting in the
// background. Publishes while disconnected fail after mqttPublishTimeout.
type mqttPublisher struct {
	broker string
	client mqtt.Client
}

func newMQTTPublisher(cfg config.MQTTConfig) *mqttPublisher {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultMQTTClientID
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		slog.Info("notify: mqtt connected", "broker", cfg.Broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("notify: mqtt connection lost", "broker", cfg.Broker, "err", err)
	}

	p := &mqttPublisher{broker: cfg.Broker, client: mqtt.NewClient(opts)}
	// With ConnectRetry set the token completes only once connected, so it
	// is not waited on here.
	p.client.Connect()
	return p
}

func (p *mqttPublisher) Publish(topic string, qos byte, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt broker %s not connected", p.broker)
	}
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt publish timeout")
	}
	return token.Error()
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}
