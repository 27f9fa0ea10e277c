package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omnibridge/omnibridge/pkg/ratelimit"
)

// Config holds all application configuration in a structured way. Rate,
// replay-window and backoff constants are deliberately configuration, not
// code: they are tuned against each network's abuse heuristics and change
// without a release.
type Config struct {
	App        AppConfig
	Paths      PathsConfig
	Database   DatabaseConfig
	NATS       NATSConfig
	Security   SecurityConfig
	WorkerPool WorkerPoolConfig
	Tokens     TokensConfig
	Sync       SyncConfig
	Channels   ChannelsConfig
}

type AppConfig struct {
	Version            string
	Port               string
	Debug              bool
	Environment        string
	BasePath           string
	CorsAllowedOrigins []string
}

type PathsConfig struct {
	Storages string
}

type DatabaseConfig struct {
	Driver string // sqlite or postgres
	DSN    string

	ValkeyEnabled   bool
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
}

type NATSConfig struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
}

type SecurityConfig struct {
	// SecretKey encrypts credentials at rest.
	SecretKey string
	// WebhookVerifyToken answers the subscribe handshake on webhook
	// endpoints that use one.
	WebhookVerifyToken string
	// WebhookAllowUnsigned disables signature checks. Development only.
	WebhookAllowUnsigned bool
}

type WorkerPoolConfig struct {
	Size      int
	QueueSize int
}

type TokensConfig struct {
	// EagerBuffer: refresh synchronously before a send when the token is
	// this close to expiry.
	EagerBuffer time.Duration
	// SweepBuffer: the periodic sweep refreshes any token this close to
	// expiry, independent of traffic.
	SweepBuffer   time.Duration
	SweepInterval time.Duration
}

type SyncConfig struct {
	// Group metadata fetches are more abuse-sensitive than avatar
	// fetches, hence the lower limit.
	GroupConcurrency  int
	AvatarConcurrency int
	ProgressBuffer    int
	BatchSize         int
}

type ChannelsConfig struct {
	WhatsApp  ChannelSettings
	Messenger ChannelSettings
	ShopChat  ChannelSettings
	Telegram  ChannelSettings
}

// ChannelSettings parameterizes one adapter. Fields that do not apply to a
// channel (e.g. ReconnectMaxAttempts outside whatsapp) are ignored by it.
type ChannelSettings struct {
	WindowLimit       int
	Window            time.Duration
	PerRecipientDelay time.Duration
	SafetyMargin      time.Duration

	WebhookFreshness time.Duration
	ConnectTimeout   time.Duration

	BaseURL  string
	TokenURL string

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int

	LogLevel string
}

// RatePolicy converts the channel settings into a governor policy.
func (s ChannelSettings) RatePolicy() ratelimit.Policy {
	return ratelimit.Policy{
		WindowLimit:       s.WindowLimit,
		Window:            s.Window,
		PerRecipientDelay: s.PerRecipientDelay,
		SafetyMargin:      s.SafetyMargin,
	}
}

// Global provides access to the loaded configuration (set by LoadConfig).
var Global *Config

// LoadConfig reads configuration from environment variables, with an
// optional config file layered underneath, and network-tuned defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("omnibridge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/omnibridge")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Version:            "v1.3.0",
			Port:               v.GetString("app.port"),
			Debug:              v.GetBool("app.debug"),
			Environment:        v.GetString("app.env"),
			BasePath:           v.GetString("app.base_path"),
			CorsAllowedOrigins: v.GetStringSlice("app.cors_allowed_origins"),
		},
		Paths: PathsConfig{
			Storages: v.GetString("path.storages"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("db.driver"),
			DSN:             v.GetString("db.dsn"),
			ValkeyEnabled:   v.GetBool("valkey.enabled"),
			ValkeyAddress:   v.GetString("valkey.address"),
			ValkeyPassword:  v.GetString("valkey.password"),
			ValkeyDB:        v.GetInt("valkey.db"),
			ValkeyKeyPrefix: v.GetString("valkey.key_prefix"),
		},
		NATS: NATSConfig{
			Enabled:       v.GetBool("nats.enabled"),
			URL:           v.GetString("nats.url"),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
		},
		Security: SecurityConfig{
			SecretKey:            v.GetString("app.secret_key"),
			WebhookVerifyToken:   v.GetString("webhook.verify_token"),
			WebhookAllowUnsigned: v.GetBool("webhook.allow_unsigned"),
		},
		WorkerPool: WorkerPoolConfig{
			Size:      v.GetInt("worker.pool_size"),
			QueueSize: v.GetInt("worker.queue_size"),
		},
		Tokens: TokensConfig{
			EagerBuffer:   v.GetDuration("tokens.eager_buffer"),
			SweepBuffer:   v.GetDuration("tokens.sweep_buffer"),
			SweepInterval: v.GetDuration("tokens.sweep_interval"),
		},
		Sync: SyncConfig{
			GroupConcurrency:  v.GetInt("sync.group_concurrency"),
			AvatarConcurrency: v.GetInt("sync.avatar_concurrency"),
			ProgressBuffer:    v.GetInt("sync.progress_buffer"),
			BatchSize:         v.GetInt("sync.batch_size"),
		},
		Channels: ChannelsConfig{
			WhatsApp:  channelSettings(v, "whatsapp"),
			Messenger: channelSettings(v, "messenger"),
			ShopChat:  channelSettings(v, "shopchat"),
			Telegram:  channelSettings(v, "telegram"),
		},
	}

	Global = cfg
	return cfg, nil
}

func channelSettings(v *viper.Viper, name string) ChannelSettings {
	p := "channels." + name + "."
	return ChannelSettings{
		WindowLimit:          v.GetInt(p + "window_limit"),
		Window:               v.GetDuration(p + "window"),
		PerRecipientDelay:    v.GetDuration(p + "per_recipient_delay"),
		SafetyMargin:         v.GetDuration(p + "safety_margin"),
		WebhookFreshness:     v.GetDuration(p + "webhook_freshness"),
		ConnectTimeout:       v.GetDuration(p + "connect_timeout"),
		BaseURL:              v.GetString(p + "base_url"),
		TokenURL:             v.GetString(p + "token_url"),
		ReconnectBase:        v.GetDuration(p + "reconnect_base"),
		ReconnectMax:         v.GetDuration(p + "reconnect_max"),
		ReconnectMaxAttempts: v.GetInt(p + "reconnect_max_attempts"),
		LogLevel:             v.GetString(p + "log_level"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "3000")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.env", "development")
	v.SetDefault("app.base_path", "")
	v.SetDefault("app.cors_allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("app.secret_key", "")

	v.SetDefault("path.storages", "storages")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "storages/omnibridge.db")

	v.SetDefault("valkey.enabled", false)
	v.SetDefault("valkey.address", "localhost:6379")
	v.SetDefault("valkey.password", "")
	v.SetDefault("valkey.db", 0)
	v.SetDefault("valkey.key_prefix", "omnibridge:")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "omnibridge")

	v.SetDefault("webhook.allow_unsigned", false)
	v.SetDefault("webhook.verify_token", "")

	v.SetDefault("worker.pool_size", 20)
	v.SetDefault("worker.queue_size", 1000)

	v.SetDefault("tokens.eager_buffer", 5*time.Minute)
	v.SetDefault("tokens.sweep_buffer", 30*time.Minute)
	v.SetDefault("tokens.sweep_interval", 10*time.Minute)

	v.SetDefault("sync.group_concurrency", 3)
	v.SetDefault("sync.avatar_concurrency", 8)
	v.SetDefault("sync.progress_buffer", 32)
	v.SetDefault("sync.batch_size", 50)

	// WhatsApp publishes no official limit; these are conservative
	// anti-ban values.
	v.SetDefault("channels.whatsapp.window_limit", 20)
	v.SetDefault("channels.whatsapp.window", time.Minute)
	v.SetDefault("channels.whatsapp.per_recipient_delay", 3*time.Second)
	v.SetDefault("channels.whatsapp.safety_margin", 100*time.Millisecond)
	v.SetDefault("channels.whatsapp.connect_timeout", 30*time.Second)
	v.SetDefault("channels.whatsapp.reconnect_base", 2*time.Second)
	v.SetDefault("channels.whatsapp.reconnect_max", time.Minute)
	v.SetDefault("channels.whatsapp.reconnect_max_attempts", 8)
	v.SetDefault("channels.whatsapp.log_level", "ERROR")

	v.SetDefault("channels.messenger.window_limit", 50)
	v.SetDefault("channels.messenger.window", time.Second)
	v.SetDefault("channels.messenger.per_recipient_delay", time.Second)
	v.SetDefault("channels.messenger.safety_margin", 50*time.Millisecond)
	v.SetDefault("channels.messenger.webhook_freshness", 300*time.Second)
	v.SetDefault("channels.messenger.connect_timeout", 15*time.Second)
	v.SetDefault("channels.messenger.base_url", "https://graph.facebook.com/v19.0")
	v.SetDefault("channels.messenger.token_url", "https://graph.facebook.com/v19.0/oauth/access_token")

	v.SetDefault("channels.shopchat.window_limit", 0)
	v.SetDefault("channels.shopchat.per_recipient_delay", 2*time.Second)
	v.SetDefault("channels.shopchat.safety_margin", 50*time.Millisecond)
	v.SetDefault("channels.shopchat.webhook_freshness", 300*time.Second)
	v.SetDefault("channels.shopchat.connect_timeout", 15*time.Second)
	v.SetDefault("channels.shopchat.base_url", "https://open-api.shopchat.example/v2")
	v.SetDefault("channels.shopchat.token_url", "https://auth.shopchat.example/api/v2/token/refresh")

	v.SetDefault("channels.telegram.window_limit", 30)
	v.SetDefault("channels.telegram.window", time.Second)
	v.SetDefault("channels.telegram.per_recipient_delay", 1100*time.Millisecond)
	v.SetDefault("channels.telegram.safety_margin", 50*time.Millisecond)
	v.SetDefault("channels.telegram.connect_timeout", 15*time.Second)
}
