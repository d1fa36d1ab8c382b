package perception

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// FrameHandler is called for every telemetry message on the frame topic.
// frame is nil when decoding failed; raw is the undecoded payload.
type FrameHandler func(frame *Frame, raw []byte, err error)

// MQTTClient manages the broker connection and the camera telemetry subscription.
type MQTTClient struct {
	client       mqtt.Client
	config       MQTTConfig
	frameHandler FrameHandler
	connected    atomic.Bool
}

// ResolveMQTTConfig applies the MQTT_* environment overrides to cfg.
func ResolveMQTTConfig(cfg MQTTConfig) MQTTConfig {
	cfg.Broker = envOr("MQTT_BROKER", cfg.Broker)
	cfg.ClientID = envOr("MQTT_CLIENT_ID", cfg.ClientID)
	cfg.Username = envOr("MQTT_USERNAME", cfg.Username)
	cfg.Password = envOr("MQTT_PASSWORD", cfg.Password)
	cfg.PublishPrefix = envOr("MQTT_PUBLISH_PREFIX", cfg.PublishPrefix)
	if cfg.ClientID == "" {
		cfg.ClientID = "roverscope"
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = "roverscope"
	}
	return cfg
}

// InitMQTT connects to the broker and subscribes to the frame topic.
// If no broker is configured (config or MQTT_BROKER), MQTT is disabled and
// this returns nil, nil.
func InitMQTT(config MQTTConfig, handler FrameHandler) (*MQTTClient, error) {
	config = ResolveMQTTConfig(config)
	if config.Broker == "" {
		zap.S().Info("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}
	if config.FrameTopic == "" {
		return nil, fmt.Errorf("MQTT enabled but no frame topic configured")
	}

	c := &MQTTClient{config: config, frameHandler: handler}
	c.client = mqtt.NewClient(c.clientOptions())

	// With ConnectRetry set, the token completes only once the first
	// connection succeeds; paho keeps retrying in the background.
	zap.S().Infof("[MQTT] connecting to %s", config.Broker)
	token := c.client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			zap.S().Errorf("[MQTT] connect to %s: %v", config.Broker, err)
		}
	}()

	return c, nil
}

// clientOptions builds the paho options for the resolved config.
func (c *MQTTClient) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.config.Broker).
		SetClientID(c.config.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true). // cycles are applied in arrival order
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username).SetPassword(c.config.Password)
	}
	return opts
}

// onConnect (re)subscribes to the frame topic. It runs on every reconnect
// because the session is clean.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	zap.S().Info("[MQTT] connected")

	topic := c.config.FrameTopic
	zap.S().Infof("[MQTT] subscribing to %s", topic)
	token := client.Subscribe(topic, 0, c.handleFrameMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		zap.S().Errorf("[MQTT] subscribing to %s: %v", topic, token.Error())
		return
	}
	zap.S().Infof("[MQTT] subscribed to %s", topic)
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	zap.S().Warnf("[MQTT] connection lost (%v), reconnecting", err)
	c.connected.Store(false)
}

func (c *MQTTClient) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	zap.S().Info("[MQTT] reconnecting")
}

func (c *MQTTClient) handleFrameMessage(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	zap.S().Debugf("[MQTT] frame on %s (%d bytes)", msg.Topic(), len(payload))

	frame, err := DecodeFrame(payload)
	if err != nil {
		zap.S().Warnf("[MQTT] decoding frame from %s: %v", msg.Topic(), err)
	}
	if c.frameHandler != nil {
		c.frameHandler(frame, payload, err)
	}
}

// IsConnected reports whether the frame subscription is live.
func (c *MQTTClient) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect closes the broker connection, allowing 250ms for in-flight work.
func (c *MQTTClient) Disconnect() {
	if c.client == nil {
		return
	}
	zap.S().Info("[MQTT] disconnecting")
	c.client.Disconnect(250)
	c.connected.Store(false)
}

// Config returns the resolved connection settings.
func (c *MQTTClient) Config() MQTTConfig {
	return c.config
}

// GetClient returns the underlying paho client, shared with the Publisher.
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing client without connecting.
func newMQTTClientWithMock(client mqtt.Client, config MQTTConfig, handler FrameHandler) *MQTTClient {
	return &MQTTClient{
		client:       client,
		config:       config,
		frameHandler: handler,
	}
}

