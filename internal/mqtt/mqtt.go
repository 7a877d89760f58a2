// Package mqtt provides the device transport: a paho client that keeps its
// subscriptions across reconnects and publishes commands without waiting for
// broker acknowledgement.
package mqtt

import (
	"context"
	"time"
)

// MessageHandler receives every message that matches a subscription filter.
// It is called from the paho router goroutine and must not block for long.
type MessageHandler func(topic string, payload []byte)

// Publisher is the outbound half of the transport
type Publisher interface {
	// Publish hands payload to the client and returns without awaiting an ack.
	// It returns errors.ErrNotConnected when no broker connection is established.
	Publish(ctx context.Context, topic string, payload []byte) error

	// IsConnected reports whether the broker connection is currently up
	IsConnected() bool
}

// Client defines the transport operations the bridge uses
type Client interface {
	Publisher

	// Connect starts the connection. The client keeps retrying in the
	// background when the first attempt does not finish before ctx ends or
	// the connect timeout elapses.
	Connect(ctx context.Context) error

	// Subscribe registers filters with the handler. Filters are restored on
	// every reconnect.
	Subscribe(filters []string, handler MessageHandler) error

	// Disconnect closes the connection to the MQTT broker
	Disconnect()
}

// Config holds the configuration for the MQTT client
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
	MaxReconnectDelay time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		MaxReconnectDelay: 2 * time.Minute,
	}
}
