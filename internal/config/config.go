package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable, e.g. BEAM_ADDR.
const EnvPrefix = "BEAM"

// Transports selectable with --transport.
const (
	TransportWebRTC = "webrtc"
	TransportQUIC   = "quic"
)

// MaxChannels bounds the data channel pool.
const MaxChannels = 64

// ServerConfig holds configuration for the signaling server.
type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	RoomTTL         time.Duration `envconfig:"ROOM_TTL" default:"24h"`
	MaxMessageBytes int           `envconfig:"MAX_MESSAGE_BYTES" default:"65536"`
	RoomCapacity    int           `envconfig:"ROOM_CAPACITY" default:"2"`
	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
}

// ClientConfig holds configuration for the peer CLI.
type ClientConfig struct {
	ServerURL   string   `envconfig:"SERVER_URL" default:"http://localhost:8080"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	PeerID      string   `envconfig:"PEER_ID"`
	STUNServers []string `envconfig:"STUN_SERVERS"`
	TURNServers []string `envconfig:"TURN_SERVERS"`
	Transport   string   `envconfig:"TRANSPORT" default:"webrtc"`
	Channels    int      `envconfig:"CHANNELS" default:"10"`
	ChunkSize   int      `envconfig:"CHUNK_SIZE" default:"260000"`
	OutputDir   string   `envconfig:"OUTPUT_DIR" default:"."`
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("read environment: %w", err)
	}
	return cfg, nil
}

// LoadClient reads the client configuration from the environment.
// A missing peer ID is generated.
func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("read environment: %w", err)
	}
	if cfg.PeerID == "" {
		cfg.PeerID = NewPeerID()
	}
	return cfg, nil
}

// NewPeerID returns a short random peer identifier.
func NewPeerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// BindFlags registers server flags on fs. Values already in cfg (from the
// environment) become the flag defaults, so flags override env.
func (c *ServerConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&c.RoomTTL, "room-ttl", c.RoomTTL, "room lifetime (0 disables expiry)")
	fs.IntVar(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "max websocket message size")
	fs.IntVar(&c.RoomCapacity, "room-capacity", c.RoomCapacity, "peers allowed per room")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "how often expired rooms are removed")
}

// Validate rejects unusable server settings.
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.RoomTTL < 0 {
		return fmt.Errorf("room ttl must not be negative")
	}
	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("max message bytes must be at least 1024, got %d", c.MaxMessageBytes)
	}
	if c.RoomCapacity < 2 {
		return fmt.Errorf("room capacity must be at least 2, got %d", c.RoomCapacity)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// BindFlags registers client flags on fs, defaulting to the values in cfg.
func (c *ClientConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ServerURL, "server-url", c.ServerURL, "signaling server URL")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.PeerID, "peer-id", c.PeerID, "peer identifier")
	fs.StringSliceVar(&c.STUNServers, "stun", c.STUNServers, "STUN server URLs (repeatable, comma-separated)")
	fs.StringSliceVar(&c.TURNServers, "turn", c.TURNServers, "TURN servers as user:pass@turn:host:port (repeatable)")
	fs.StringVar(&c.Transport, "transport", c.Transport, "peer transport (webrtc, quic)")
	fs.IntVar(&c.Channels, "channels", c.Channels, "parallel data channels")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "chunk payload size in bytes")
	fs.StringVarP(&c.OutputDir, "output", "o", c.OutputDir, "directory received files are written to")
}

// Validate rejects unusable client settings.
func (c ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	if c.PeerID == "" {
		return fmt.Errorf("peer id is required")
	}
	switch c.Transport {
	case TransportWebRTC, TransportQUIC:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportWebRTC, TransportQUIC)
	}
	if c.Channels < 1 || c.Channels > MaxChannels {
		return fmt.Errorf("channels must be between 1 and %d, got %d", MaxChannels, c.Channels)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	return nil
}
