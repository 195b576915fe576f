package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Command is a remote control message received on <prefix>/cmd
type Command struct {
	Action string   `json:"action"`
	Radius *float64 `json:"radius,omitempty"`
	Job    string   `json:"job,omitempty"`
}

// CommandHandler is called for every decoded command
type CommandHandler func(cmd Command)

// MQTTClient manages the broker connection used for event publishing and the
// command subscription.
type MQTTClient struct {
	client      mqtt.Client
	prefix      string
	handler     CommandHandler
	logger      *zap.Logger
	isConnected bool
	mu          sync.RWMutex
}

// ResolveMQTT merges the MQTT_* environment variables over cfg. Environment
// values win.
func ResolveMQTT(cfg MQTTConfig) MQTTConfig {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		cfg.PublishPrefix = v
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pointscope"
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = "pointscope"
	}
	return cfg
}

// NewMQTT creates a client for cfg and starts connecting in the background.
// When no broker is configured MQTT is disabled and (nil, nil) is returned.
func NewMQTT(cfg MQTTConfig, handler CommandHandler, logger *zap.Logger) (*MQTTClient, error) {
	cfg = ResolveMQTT(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")
	if cfg.Broker == "" {
		logger.Info("MQTT disabled: no broker configured")
		return nil, nil
	}

	c := &MQTTClient{
		prefix:  cfg.PublishPrefix,
		handler: handler,
		logger:  logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

// newMQTTClientWithMock wraps an existing mqtt.Client, used by tests
func newMQTTClientWithMock(client mqtt.Client, prefix string, handler CommandHandler) *MQTTClient {
	return &MQTTClient{
		client:  client,
		prefix:  prefix,
		handler: handler,
		logger:  zap.NewNop(),
	}
}

// CommandTopic is the topic remote commands are read from
func (c *MQTTClient) CommandTopic() string {
	return c.prefix + "/cmd"
}

// Prefix returns the topic prefix
func (c *MQTTClient) Prefix() string { return c.prefix }

func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info("connecting to MQTT broker")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.logger.Warn("MQTT connection failed", zap.Error(token.Error()))
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		c.logger.Info("retrying MQTT connection", zap.Duration("in", retryDelay))
		time.Sleep(retryDelay)
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	c.subscribe(client)
}

func (c *MQTTClient) subscribe(client mqtt.Client) {
	if c.handler == nil {
		return
	}
	topic := c.CommandTopic()
	token := client.Subscribe(topic, 0, c.onCommand)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		return
	}
	c.logger.Info("subscribed", zap.String("topic", topic))
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warn("MQTT connection interrupted, auto-reconnect will retry", zap.Error(err))
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("MQTT reconnecting")
}

// onCommand decodes a command payload. Both {"action":"clear"} and the bare
// strings "clear" / clear are accepted.
func (c *MQTTClient) onCommand(client mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseCommand(msg.Payload())
	if err != nil {
		c.logger.Warn("ignoring command", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	c.logger.Debug("command received", zap.String("action", cmd.Action))
	c.handler(cmd)
}

// ParseCommand decodes a command payload
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err == nil && cmd.Action != "" {
		return cmd, nil
	}
	var plain string
	if err := json.Unmarshal(payload, &plain); err == nil && plain != "" {
		return Command{Action: plain}, nil
	}
	raw := strings.TrimSpace(string(payload))
	if raw == "" || strings.ContainsAny(raw, "{}[]\"") {
		return Command{}, fmt.Errorf("%w: command payload %q", ErrInvalidInput, raw)
	}
	return Command{Action: raw}, nil
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}
