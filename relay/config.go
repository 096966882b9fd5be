package relay

import "time"

// Config holds the relay server's tunables.
type Config struct {
	// Listen is the address the websocket endpoint binds to.
	Listen string `mapstructure:"listen"`

	// MaxMessageSize caps a single inbound frame in bytes.
	MaxMessageSize int64 `mapstructure:"max-message-size"`

	// OutQueueSize bounds each connection's outbound frame queue. A
	// connection that lets the queue fill up is disconnected so a slow
	// consumer never stalls ingestion for others.
	OutQueueSize int `mapstructure:"out-queue-size"`

	// MaxSubscriptions caps live subscriptions per connection.
	MaxSubscriptions int `mapstructure:"max-subscriptions"`

	// QueryCap bounds the number of stored events replayed per request,
	// regardless of the limits the filters ask for.
	QueryCap int `mapstructure:"query-cap"`

	// MaxReconcileSessions caps concurrent reconciliation sessions per
	// connection.
	MaxReconcileSessions int `mapstructure:"max-reconcile-sessions"`

	WriteTimeout time.Duration `mapstructure:"write-timeout"`
	PongTimeout  time.Duration `mapstructure:"pong-timeout"`

	Info InfoConfig `mapstructure:"info"`
}

// InfoConfig feeds the public information document served over plain HTTP.
type InfoConfig struct {
	Name        string `mapstructure:"relay-name"`
	Description string `mapstructure:"relay-description"`
	PubKey      string `mapstructure:"relay-pubkey"`
	Contact     string `mapstructure:"relay-contact"`
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		Listen:               ":7447",
		MaxMessageSize:       512 << 10,
		OutQueueSize:         256,
		MaxSubscriptions:     32,
		QueryCap:             500,
		MaxReconcileSessions: 8,
		WriteTimeout:         10 * time.Second,
		PongTimeout:          60 * time.Second,
	}
}
