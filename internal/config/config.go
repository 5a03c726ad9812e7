package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Environment variable names read by Load.
const (
	EnvName             = "FLASK_ENV"
	EnvSecretKey        = "SECRET_KEY"
	EnvAsyncMode        = "SOCKETIO_ASYNC_MODE"
	EnvCORSOrigins      = "CORS_ORIGINS"
	EnvHost             = "APP_HOST"
	EnvPort             = "APP_PORT"
	EnvSecretCiphertext = "SECRET_KEY_CIPHERTEXT"
)

// Defaults for the core settings.
const (
	DefaultEnv       = "development"
	DefaultSecretKey = "dev-secret-change-me"
	DefaultAsyncMode = "threading"
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 5000

	ProductionEnv = "production"
)

// ErrDefaultSecretInProduction is returned by Validate when the production
// environment would run with the well-known default secret.
var ErrDefaultSecretInProduction = errors.New("config: SECRET_KEY must be set in production")

// Config holds all application configuration.
type Config struct {
	Env                 string `validate:"required"`
	SecretKey           string
	SecretKeyCiphertext string
	Server              ServerConfig
	Socket              SocketConfig
	Log                 LogConfig
	Symbols             SymbolsConfig
	Redis               RedisConfig
	AWS                 AWSConfig
	AdminSocket         string
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `validate:"required"`
	Port            int           `validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// SocketConfig holds real-time socket settings.
type SocketConfig struct {
	AsyncMode   string `validate:"oneof=threading eventlet gevent gevent_uwsgi"`
	CORSOrigins Origins
}

// LogConfig holds slog settings. An empty Level means "debug in debug
// mode, info otherwise".
type LogConfig struct {
	Level  string `validate:"omitempty,oneof=debug info warn error"`
	Format string `validate:"oneof=json text"`
}

// SymbolsConfig holds symbol master storage and source settings.
type SymbolsConfig struct {
	DataDir         string `validate:"required"`
	DBPath          string `validate:"required"`
	Sources         []string
	DownloadTimeout time.Duration `validate:"gt=0"`
	LockWait        time.Duration `validate:"gt=0"`
}

// RedisConfig holds Redis connection settings. Redis is optional; an empty
// Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"min=0"`
}

// AWSConfig holds the settings used to decrypt SECRET_KEY_CIPHERTEXT.
type AWSConfig struct {
	Region             string
	LocalStackEndpoint string
	// EncryptionContext is parsed from "key=value" pairs separated by
	// commas.
	EncryptionContext map[string]string
}

// Debug reports whether debug mode is on. Only the production environment
// disables it.
func (c *Config) Debug() bool {
	return c.Env != ProductionEnv
}

// IsProduction reports whether the production environment is active.
func (c *Config) IsProduction() bool {
	return c.Env == ProductionEnv
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// UsesDefaultSecret reports whether neither a secret key nor a ciphertext
// was configured.
func (c *Config) UsesDefaultSecret() bool {
	return c.SecretKeyCiphertext == "" && c.SecretKey == DefaultSecretKey
}

// Load reads configuration from the process environment. Call LoadEnvFile
// first so dotenv values are visible.
func Load() (*Config, error) {
	v := viper.New()

	bind := func(key, env string, def any) {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key, env)
		if def != nil {
			v.SetDefault(key, def)
		}
	}

	bind("env", EnvName, DefaultEnv)
	bind("secret_key", EnvSecretKey, DefaultSecretKey)
	bind("secret_key_ciphertext", EnvSecretCiphertext, nil)
	bind("socket.async_mode", EnvAsyncMode, DefaultAsyncMode)
	bind("server.host", EnvHost, DefaultHost)
	bind("server.port", EnvPort, DefaultPort)
	bind("server.shutdown_timeout", "SHUTDOWN_TIMEOUT", "10s")

	bind("log.level", "LOG_LEVEL", nil)
	bind("log.format", "LOG_FORMAT", "json")

	bind("symbols.data_dir", "DATA_DIR", "data")
	bind("symbols.db_path", "SYMBOL_DB", nil)
	bind("symbols.sources", "SYMBOL_SOURCES", nil)
	bind("symbols.download_timeout", "DOWNLOAD_TIMEOUT", "60s")
	bind("symbols.lock_wait", "SYMBOL_LOCK_WAIT", "2m")

	bind("redis.addr", "REDIS_ADDR", nil)
	bind("redis.password", "REDIS_PASSWORD", nil)
	bind("redis.db", "REDIS_DB", 0)

	bind("aws.region", "AWS_REGION", "ap-south-1")
	bind("aws.localstack_endpoint", "LOCALSTACK_ENDPOINT", nil)
	bind("aws.encryption_context", "KMS_ENCRYPTION_CONTEXT", nil)

	bind("admin_socket", "ADMIN_SOCKET", nil)

	cfg := &Config{
		Env:                 v.GetString("env"),
		SecretKey:           v.GetString("secret_key"),
		SecretKeyCiphertext: v.GetString("secret_key_ciphertext"),
		AdminSocket:         v.GetString("admin_socket"),
	}

	port, err := strconv.Atoi(strings.TrimSpace(v.GetString("server.port")))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", EnvPort, err)
	}

	cfg.Server = ServerConfig{
		Host:            v.GetString("server.host"),
		Port:            port,
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
	}

	cfg.Socket = SocketConfig{
		AsyncMode:   strings.ToLower(strings.TrimSpace(v.GetString("socket.async_mode"))),
		CORSOrigins: corsOrigins(),
	}

	cfg.Log = LogConfig{
		Level:  strings.ToLower(v.GetString("log.level")),
		Format: strings.ToLower(v.GetString("log.format")),
	}

	dataDir := v.GetString("symbols.data_dir")
	dbPath := v.GetString("symbols.db_path")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "symbols.db")
	}
	cfg.Symbols = SymbolsConfig{
		DataDir:         dataDir,
		DBPath:          dbPath,
		Sources:         splitList(v.GetString("symbols.sources")),
		DownloadTimeout: v.GetDuration("symbols.download_timeout"),
		LockWait:        v.GetDuration("symbols.lock_wait"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	encCtx, err := parsePairs(v.GetString("aws.encryption_context"))
	if err != nil {
		return nil, fmt.Errorf("config: KMS_ENCRYPTION_CONTEXT: %w", err)
	}
	cfg.AWS = AWSConfig{
		Region:             v.GetString("aws.region"),
		LocalStackEndpoint: v.GetString("aws.localstack_endpoint"),
		EncryptionContext:  encCtx,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the production secret rule.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	if c.IsProduction() && c.UsesDefaultSecret() {
		return ErrDefaultSecretInProduction
	}
	return nil
}

// corsOrigins reads CORS_ORIGINS directly. Only an unset variable means the
// wildcard; an empty value is an empty allow-list.
func corsOrigins() Origins {
	raw, ok := os.LookupEnv(EnvCORSOrigins)
	if !ok {
		raw = Wildcard
	}
	return ParseOrigins(raw)
}

// parsePairs parses "k=v,k2=v2". An empty input yields a nil map.
func parsePairs(raw string) (map[string]string, error) {
	items := splitList(raw)
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed pair %q", item)
		}
		out[k] = v
	}
	return out, nil
}

// splitList splits a comma-separated list, dropping blank entries.
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
