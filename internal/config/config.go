// Package config loads replica and client configuration through viper:
// defaults first, then an optional replchat.yaml, then REPLCHAT_* environment
// variables.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for one replica process.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Client      ClientConfig      `mapstructure:"client"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	DataDir    string `mapstructure:"data_dir"`
	CustomMode bool   `mapstructure:"custom_mode"` // binary codec on all links
	Primary    bool   `mapstructure:"primary"`     // first-start role bootstrap
}

// ServerConfig is the client-facing listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port for the client listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReplicationConfig is the peer-facing side of a replica.
type ReplicationConfig struct {
	Port   int      `mapstructure:"port"`
	PeerID string   `mapstructure:"peer_id"` // cluster-unique identity; defaults to data_dir
	Peers  []string `mapstructure:"peers"`   // "id@host:port" entries
}

// Peer is one configured replication peer.
type Peer struct {
	ID   string
	Addr string
}

// PeerList parses the configured "id@host:port" entries.
func (c ReplicationConfig) PeerList() ([]Peer, error) {
	out := make([]Peer, 0, len(c.Peers))
	for _, raw := range c.Peers {
		id, addr, ok := strings.Cut(raw, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("config: malformed peer %q (want id@host:port)", raw)
		}
		if _, _, err := splitHostPort(addr); err != nil {
			return nil, fmt.Errorf("config: malformed peer address %q: %w", addr, err)
		}
		out = append(out, Peer{ID: id, Addr: addr})
	}
	return out, nil
}

// ClientConfig configures the client session layer.
type ClientConfig struct {
	Servers    []string `mapstructure:"servers"` // ordered "host:port" replica list
	CustomMode bool     `mapstructure:"custom_mode"`
	QueueLimit int      `mapstructure:"queue_limit"` // 0 = unbounded outgoing queue
}

// MetricsConfig controls the Prometheus/health endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from defaults, an optional config file, and
// environment variables.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 5000)

	v.SetDefault("replication.port", 5500)
	v.SetDefault("replication.peer_id", "")
	v.SetDefault("replication.peers", []string{})

	v.SetDefault("data_dir", "./data")
	v.SetDefault("custom_mode", false)
	v.SetDefault("primary", false)

	v.SetDefault("client.servers", []string{"localhost:5000"})
	v.SetDefault("client.custom_mode", false)
	v.SetDefault("client.queue_limit", 0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("replchat")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("REPLCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	// The replica identity doubles as the election tie-break key; fall back
	// to the data directory, which is unique per replica by construction.
	if cfg.Replication.PeerID == "" {
		cfg.Replication.PeerID = cfg.DataDir
	}
	return cfg, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok || host == "" {
		return "", 0, fmt.Errorf("missing host or port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}
