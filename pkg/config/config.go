// Package config layers newschat settings: command line flags win over NEWSCHAT_* environment
// variables, which win over the YAML config file, which wins over defaults.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/newschat/pkg/logging"
	"github.com/go-go-golems/newschat/pkg/protocol"
	"github.com/go-go-golems/newschat/pkg/statestore"
)

const (
	EnvPrefix = "newschat"

	KeyConfig            = "config"
	KeyServerURL         = "server-url"
	KeyWSPath            = "ws-path"
	KeyStateStore        = "state-store"
	KeyStatePath         = "state-path"
	KeyClientID          = "client-id"
	KeyReconnectAttempts = "reconnect-attempts"
	KeyReconnectDelay    = "reconnect-delay"
	KeyLogLevel          = "log-level"
	KeyLogFormat         = "log-format"
	KeyLogFile           = "log-file"
	KeyAddr              = "addr"
	KeyRedisEnabled      = "redis-enabled"
	KeyRedisAddr         = "redis-addr"
	KeyRedisGroup        = "redis-group"
	KeyRedisConsumer     = "redis-consumer"
	KeyChunkDelay        = "chunk-delay"
)

// Settings is the resolved configuration.
type Settings struct {
	ServerURL         string
	WSPath            string
	StateStore        string
	StatePath         string
	ClientID          string
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	Logging logging.Settings

	Addr          string
	RedisEnabled  bool
	RedisAddr     string
	RedisGroup    string
	RedisConsumer string
	ChunkDelay    time.Duration
}

// AddFlags registers the persistent flags shared by every subcommand.
func AddFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String(KeyConfig, "", "Path to a YAML config file (default: $HOME/.newschat/config.yaml)")
	f.String(KeyServerURL, "http://localhost:8080", "Base URL of the chat backend")
	f.String(KeyWSPath, protocol.PathWebSocket, "Path of the push channel endpoint")
	f.String(KeyStateStore, statestore.KindFile, "Where the current session id is remembered (memory, file, sqlite)")
	f.String(KeyStatePath, "", "Path of the state file or database (default under $HOME/.newschat)")
	f.String(KeyClientID, "", "Client id sent with the push channel handshake")
	f.Int(KeyReconnectAttempts, 5, "Consecutive failed push reconnects before giving up (negative: forever)")
	f.Duration(KeyReconnectDelay, time.Second, "Pause between push reconnect attempts")
	f.String(KeyLogLevel, "info", "Log level (trace, debug, info, warn, error)")
	f.String(KeyLogFormat, logging.FormatAuto, "Log format (auto, console, json)")
	f.String(KeyLogFile, "", "Write logs to this file instead of stderr")
	f.String(KeyAddr, ":8080", "Listen address of the dev server")
	f.Bool(KeyRedisEnabled, false, "Fan out dev server streams through Redis Streams")
	f.String(KeyRedisAddr, "localhost:6379", "Redis address host:port")
	f.String(KeyRedisGroup, "newschat", "Redis consumer group")
	f.String(KeyRedisConsumer, "devserver-1", "Redis consumer name")
	f.Duration(KeyChunkDelay, 20*time.Millisecond, "Pause between streamed chunks of the dev server")
}

// NewViper binds the flags of cmd and the environment, then reads the config file if there is one.
func NewViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return nil, errors.Wrap(err, "bind inherited flags")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".newschat"))
	}
	v.AddConfigPath("/etc/newschat")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

// Load resolves Settings from v.
func Load(v *viper.Viper) (Settings, error) {
	s := Settings{
		ServerURL:         strings.TrimSpace(v.GetString(KeyServerURL)),
		WSPath:            v.GetString(KeyWSPath),
		StateStore:        v.GetString(KeyStateStore),
		StatePath:         v.GetString(KeyStatePath),
		ClientID:          v.GetString(KeyClientID),
		ReconnectAttempts: v.GetInt(KeyReconnectAttempts),
		ReconnectDelay:    v.GetDuration(KeyReconnectDelay),
		Logging: logging.Settings{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
			File:   v.GetString(KeyLogFile),
		},
		Addr:          v.GetString(KeyAddr),
		RedisEnabled:  v.GetBool(KeyRedisEnabled),
		RedisAddr:     v.GetString(KeyRedisAddr),
		RedisGroup:    v.GetString(KeyRedisGroup),
		RedisConsumer: v.GetString(KeyRedisConsumer),
		ChunkDelay:    v.GetDuration(KeyChunkDelay),
	}
	if s.ServerURL == "" {
		return Settings{}, errors.New("server-url is empty")
	}
	if s.StatePath == "" {
		s.StatePath = DefaultStatePath(s.StateStore)
	}
	return s, nil
}

// DefaultStatePath places the state file under $HOME/.newschat.
func DefaultStatePath(kind string) string {
	name := "state.yaml"
	if kind == statestore.KindSQLite {
		name = "state.db"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".newschat", name)
	}
	return filepath.Join(home, ".newschat", name)
}

// WebSocketURL derives the push channel URL from the server URL.
func (s Settings) WebSocketURL() (string, error) {
	u, err := url.Parse(s.ServerURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server-url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("server-url: unsupported scheme %q", u.Scheme)
	}
	path := s.WSPath
	if path == "" {
		path = protocol.PathWebSocket
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}
