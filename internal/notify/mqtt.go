// Package notify delivers escalation events to reviewer channels.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/warden/internal/sandbox"
)

const (
	// MQTT topics for escalation notifications
	channelTopic  = "%s/escalations/%s"       // prefix, channel name
	resolvedTopic = "%s/escalations/resolved" // prefix
)

// MQTTNotifier publishes escalation events to an MQTT broker, one topic
// per notification channel. Implements sandbox.Notifier.
type MQTTNotifier struct {
	broker      string
	port        int
	clientID    string
	username    string
	password    string
	topicPrefix string
	logger      *slog.Logger
	client      MQTTClient
	// Factory function for creating MQTT client
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTT creates an MQTT notifier. topicPrefix defaults to "warden".
func NewMQTT(broker string, port int, username, password, topicPrefix string, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if topicPrefix == "" {
		topicPrefix = "warden"
	}
	return &MQTTNotifier{
		broker:      broker,
		port:        port,
		clientID:    fmt.Sprintf("warden-%d", time.Now().Unix()),
		username:    username,
		password:    password,
		topicPrefix: topicPrefix,
		logger:      logger.With("component", "notify"),
		clientFactory: func(opts *mqtt.ClientOptions) MQTTClient {
			return &DefaultMQTTClient{client: mqtt.NewClient(opts)}
		},
	}
}

// NewMQTTWithClient creates an MQTT notifier with a custom client factory (for testing)
func NewMQTTWithClient(broker string, port int, topicPrefix string, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *MQTTNotifier {
	n := NewMQTT(broker, port, "", "", topicPrefix, logger)
	n.clientFactory = clientFactory
	return n
}

// Start connects to the broker.
func (n *MQTTNotifier) Start() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", n.broker, n.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(n.clientID)

	if n.username != "" {
		opts.SetUsername(n.username)
		opts.SetPassword(n.password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		n.logger.Warn("mqtt connection lost", "error", err)
	})

	n.client = n.clientFactory(opts)

	n.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := n.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	n.logger.Info("mqtt notifier started")
	return nil
}

// Stop disconnects from the broker.
func (n *MQTTNotifier) Stop() {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
	}
}

// EscalationCreated publishes the new request to every channel's topic.
func (n *MQTTNotifier) EscalationCreated(channels []string, req *sandbox.EscalationRequest) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event":          "escalation_created",
		"escalation_id":  req.ID,
		"agent_id":       req.AgentID,
		"operation_type": req.OperationType,
		"priority":       req.Priority,
		"summary":        req.Summary(),
		"block_reason":   req.Context.BlockReason,
		"expires_at":     req.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if len(channels) == 0 {
		channels = []string{"default"}
	}
	for _, channel := range channels {
		topic := fmt.Sprintf(channelTopic, n.topicPrefix, channel)
		if err := n.publish(topic, payload); err != nil {
			return err
		}
	}
	return nil
}

// EscalationResolved publishes the review outcome.
func (n *MQTTNotifier) EscalationResolved(req *sandbox.EscalationRequest) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event":         "escalation_resolved",
		"escalation_id": req.ID,
		"agent_id":      req.AgentID,
		"status":        req.Status,
		"summary":       req.Summary(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.publish(fmt.Sprintf(resolvedTopic, n.topicPrefix), payload)
}

func (n *MQTTNotifier) publish(topic string, payload []byte) error {
	if n.client == nil || !n.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	// Publish with QoS 1 (at least once delivery)
	token := n.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	n.logger.Debug("notification sent", "topic", topic, "size", len(payload))
	return nil
}

// LogNotifier writes escalation events to the structured log. Used when
// no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLog creates a log-only notifier.
func NewLog(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) EscalationCreated(channels []string, req *sandbox.EscalationRequest) error {
	n.logger.Info("escalation awaiting review",
		"escalation_id", req.ID,
		"agent_id", req.AgentID,
		"priority", req.Priority,
		"channels", channels,
		"expires_at", req.ExpiresAt)
	return nil
}

func (n *LogNotifier) EscalationResolved(req *sandbox.EscalationRequest) error {
	n.logger.Info("escalation resolved",
		"escalation_id", req.ID,
		"agent_id", req.AgentID,
		"status", req.Status)
	return nil
}
