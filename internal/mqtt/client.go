package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rovernet/roverbridge/internal/conf"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/observability/metrics"
)

const componentName = "mqtt"

// client implements the Client interface
type client struct {
	config  Config
	log     logger.Logger
	metrics *metrics.MQTTMetrics

	mu             sync.Mutex
	internalClient paho.Client
	filters        []string
	handler        MessageHandler
}

// NewClient creates a new MQTT client from the settings. A missing client id
// gets a random suffix so that two bridges never kick each other off the broker.
func NewClient(settings *conf.Settings, log logger.Logger, m *metrics.MQTTMetrics) (Client, error) {
	cfg := DefaultConfig()
	cfg.Broker = settings.MQTT.Broker
	cfg.ClientID = settings.MQTT.ClientID
	cfg.Username = settings.MQTT.Username
	cfg.Password = settings.MQTT.Password
	cfg.QoS = settings.MQTT.QoS
	if settings.MQTT.ConnectTimeout > 0 {
		cfg.ConnectTimeout = settings.MQTT.ConnectTimeout
	}
	if settings.MQTT.PublishTimeout > 0 {
		cfg.PublishTimeout = settings.MQTT.PublishTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("%s-%s", settings.Main.Name, strings.Split(uuid.NewString(), "-")[0])
	}
	return newClient(cfg, log, m)
}

func newClient(cfg Config, log logger.Logger, m *metrics.MQTTMetrics) (*client, error) {
	if _, err := parseBroker(cfg.Broker); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &client{config: cfg, log: log, metrics: m}, nil
}

// parseBroker validates the broker URL
func parseBroker(broker string) (*url.URL, error) {
	u, err := url.Parse(broker)
	if err == nil && (u.Scheme == "" || u.Host == "") {
		err = fmt.Errorf("missing scheme or host")
	}
	if err != nil {
		return nil, errors.New(fmt.Errorf("invalid broker URL %q: %w", broker, err)).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return u, nil
}

func (c *client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(c.config.MaxReconnectDelay)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)
	return opts
}

// Connect starts the paho client and waits for the first connection
func (c *client) Connect(ctx context.Context) error {
	u, err := parseBroker(c.config.Broker)
	if err != nil {
		return err
	}

	// an unresolvable host is reported early but paho still keeps retrying
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			c.log.Warn("failed to resolve MQTT broker host",
				logger.String("host", host),
				logger.Error(err))
		}
	}

	c.mu.Lock()
	if c.internalClient == nil {
		c.internalClient = paho.NewClient(c.options())
	}
	pc := c.internalClient
	c.mu.Unlock()

	c.log.Info("connecting to MQTT broker",
		logger.String("broker", c.config.Broker),
		logger.String("client_id", c.config.ClientID))

	token := pc.Connect()
	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		c.metrics.RecordError("connect")
		return errors.Newf("connection to %s timed out after %s", c.config.Broker, c.config.ConnectTimeout).
			Component(componentName).
			Category(errors.CategoryMQTTConnection).
			Context("broker", c.config.Broker).
			Build()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := token.Error(); err != nil {
		c.metrics.RecordError("connect")
		return errors.New(fmt.Errorf("connection error: %w", err)).
			Component(componentName).
			Category(errors.CategoryMQTTConnection).
			Context("broker", c.config.Broker).
			Build()
	}
	return nil
}

// Subscribe records the filters and subscribes right away when connected
func (c *client) Subscribe(filters []string, handler MessageHandler) error {
	c.mu.Lock()
	c.filters = append([]string(nil), filters...)
	c.handler = handler
	pc := c.internalClient
	c.mu.Unlock()

	if pc == nil || !pc.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(pc)
}

func (c *client) subscribe(pc paho.Client) error {
	c.mu.Lock()
	filters := make(map[string]byte, len(c.filters))
	for _, f := range c.filters {
		filters[f] = c.config.QoS
	}
	c.mu.Unlock()

	if len(filters) == 0 {
		return nil
	}

	token := pc.SubscribeMultiple(filters, c.onMessage)
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		c.metrics.RecordError("subscribe")
		return errors.Newf("subscribe timed out").
			Component(componentName).
			Category(errors.CategoryMQTTSubscribe).
			Context("filters", len(filters)).
			Build()
	}
	if err := token.Error(); err != nil {
		c.metrics.RecordError("subscribe")
		return errors.New(fmt.Errorf("subscribe failed: %w", err)).
			Component(componentName).
			Category(errors.CategoryMQTTSubscribe).
			Build()
	}

	c.log.Info("subscribed to device topics", logger.Int("filters", len(filters)))
	return nil
}

func (c *client) onMessage(_ paho.Client, msg paho.Message) {
	c.metrics.RecordReceived(len(msg.Payload()))

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(msg.Topic(), msg.Payload())
	}
}

// Publish hands the payload to paho without waiting for delivery. Failures
// that surface later are logged by watchPublish.
func (c *client) Publish(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	pc := c.internalClient
	c.mu.Unlock()

	if pc == nil || !pc.IsConnectionOpen() {
		return errors.New(errors.ErrNotConnected).
			Component(componentName).
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	start := time.Now()
	token := pc.Publish(topic, c.config.QoS, false, payload)
	c.metrics.RecordPublished(time.Since(start))
	c.log.Debug("published command", logger.String("topic", topic), logger.Int("bytes", len(payload)))

	go c.watchPublish(topic, token)
	return nil
}

func (c *client) watchPublish(topic string, token paho.Token) {
	if !token.WaitTimeout(c.config.PublishTimeout) {
		c.metrics.RecordError("publish")
		c.log.Warn("publish not completed in time", logger.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		c.metrics.RecordError("publish")
		c.log.Warn("publish failed", logger.String("topic", topic), logger.Error(err))
	}
}

// IsConnected returns true if the client is currently connected to the MQTT broker
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internalClient != nil && c.internalClient.IsConnectionOpen()
}

// Disconnect closes the connection and stops background reconnects
func (c *client) Disconnect() {
	c.mu.Lock()
	pc := c.internalClient
	c.mu.Unlock()

	if pc == nil {
		return
	}
	pc.Disconnect(uint(c.config.DisconnectTimeout / time.Millisecond))
	c.metrics.UpdateConnectionStatus(false)
	c.log.Info("disconnected from MQTT broker")
}

func (c *client) onConnect(pc paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
	c.metrics.UpdateConnectionStatus(true)

	// clean sessions drop subscriptions, so restore them on every connect
	go func() {
		if err := c.subscribe(pc); err != nil {
			c.log.Error("failed to restore subscriptions", logger.Error(err))
		}
	}()
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost",
		logger.String("broker", c.config.Broker),
		logger.Error(err))
	c.metrics.UpdateConnectionStatus(false)
	c.metrics.RecordError("connection")
}

func (c *client) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	c.metrics.RecordReconnect()
	c.log.Debug("reconnecting to MQTT broker", logger.String("broker", c.config.Broker))
}
