package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// --------------------------------------------------------------------------
// Sync server configuration struct
// --------------------------------------------------------------------------

type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StorageBadger   StorageBackend = "badger"
	StoragePostgres StorageBackend = "postgres"
)

// ServerConfig holds all configuration parameters of a sync server.
type ServerConfig struct {
	// HTTP / WebSocket settings
	Endpoint       string `validate:"required,hostname_port"`
	Serializer     string `validate:"oneof=binary json"`
	MaxMessageSize int64  `validate:"gt=0"`
	SendQueueSize  int    `validate:"gt=0"`

	// Document storage
	Storage     StorageBackend `validate:"oneof=memory badger postgres"`
	DataDir     string         `validate:"required_if=Storage badger"`
	PostgresURL string         `validate:"required_if=Storage postgres"`

	// Cross instance relay, disabled if RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
	RedisPrefix   string

	// Authentication, every token is accepted if JWTSecret is empty
	JWTSecret      string
	AllowAnonymous bool

	// Session tuning
	GracePeriod    time.Duration `validate:"gt=0"`
	AwarenessTTL   time.Duration `validate:"gt=0"`
	FlushInterval  time.Duration `validate:"gte=0"`
	AwarenessRate  float64       `validate:"gt=0"` // awareness messages per second and connection
	AwarenessBurst int           `validate:"gt=0"`

	// Timeout for storage and relay calls
	TimeoutSecond int64 `validate:"gt=0"`

	// Logging configuration
	LogLevel string `validate:"oneof=debug info warn warning error"`
}

// Validate checks the configuration.
func (c *ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Server settings
	addSection("Sync Server")
	addField("Endpoint", c.Endpoint)
	addField("Serializer", c.Serializer)
	addField("Max Message Size", fmt.Sprintf("%d bytes", c.MaxMessageSize))
	addField("Send Queue Size", fmt.Sprintf("%d", c.SendQueueSize))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Storage
	addSection("Storage")
	addField("Backend", string(c.Storage))
	switch c.Storage {
	case StorageBadger:
		addField("Data Directory", c.DataDir)
	case StoragePostgres:
		addField("Postgres URL", redact(c.PostgresURL))
	}

	// Relay
	addSection("Relay")
	if c.RedisAddr == "" {
		addField("Redis", "disabled (single instance)")
	} else {
		addField("Redis Address", c.RedisAddr)
		addField("Redis DB", fmt.Sprintf("%d", c.RedisDB))
		addField("Channel Prefix", c.RedisPrefix)
	}

	// Auth
	addSection("Authentication")
	if c.JWTSecret == "" {
		addField("Mode", "allow all")
	} else {
		addField("Mode", "jwt (HS256)")
		addField("Allow Anonymous", fmt.Sprintf("%t", c.AllowAnonymous))
	}

	// Sessions
	addSection("Sessions")
	addField("Grace Period", c.GracePeriod.String())
	addField("Awareness TTL", c.AwarenessTTL.String())
	if c.FlushInterval > 0 {
		addField("Flush Interval", c.FlushInterval.String())
	} else {
		addField("Flush Interval", "on eviction")
	}
	addField("Awareness Rate", fmt.Sprintf("%.1f/s (burst %d)", c.AwarenessRate, c.AwarenessBurst))

	return sb.String()
}

// redact hides the password of a connection url.
func redact(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	creds := url[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		creds = creds[:colon] + ":***"
	}
	return url[:scheme+3] + creds + url[at:]
}

// --------------------------------------------------------------------------
// Sync client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	// WebSocket url of the server, e.g. ws://localhost:8080/ws
	Endpoint   string `validate:"required,url"`
	Serializer string `validate:"oneof=binary json"`
	Token      string

	// Reconnect behaviour
	TimeoutSecond  int           `validate:"gt=0"` // dial and handshake timeout
	InitialBackoff time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gtefield=InitialBackoff"`

	// Awareness
	AwarenessInterval time.Duration `validate:"gt=0"` // coalescing window of local awareness changes
	AwarenessTTL      time.Duration `validate:"gt=0"`

	SendQueueSize int `validate:"gt=0"`
}

// DefaultClientConfig returns the client defaults for endpoint.
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:          endpoint,
		Serializer:        "binary",
		TimeoutSecond:     10,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		AwarenessInterval: 100 * time.Millisecond,
		AwarenessTTL:      30 * time.Second,
		SendQueueSize:     256,
	}
}

// Validate checks the configuration.
func (c *ClientConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	return nil
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Serializer", c.Serializer)
	addField("Authenticated", fmt.Sprintf("%t", c.Token != ""))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Reconnect
	addSection("Reconnect")
	addField("Initial Backoff", c.InitialBackoff.String())
	addField("Max Backoff", c.MaxBackoff.String())

	// Awareness
	addSection("Awareness")
	addField("Interval", c.AwarenessInterval.String())
	addField("TTL", c.AwarenessTTL.String())

	return sb.String()
}
