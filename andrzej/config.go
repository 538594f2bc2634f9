//nolint:lll // struct tags can't be split
package andrzej

import (
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "ANDRZEJ_ENV_PREFIX"
	DefaultEnvPrefix      = "AJ"
	DefaultDatabaseType   = dbTypeSQLite
	DefaultDatabase       = "db/ai_histories.sqlite"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	// DefaultHistoryLength is the number of user/assistant exchanges kept
	// per conversation. Each exchange is two turns.
	DefaultHistoryLength         = 10
	DefaultRemoteErrorMessage    = "Wystąpił błąd przy komunikacji z AI."
	DefaultTechnicalErrorMessage = "Wystąpił błąd techniczny."
	DefaultClearMessage          = "Wyczyściłem historię naszej rozmowy."

	DefaultOpenAIBaseURL              = "https://openrouter.ai/api/v1"
	DefaultOpenAIModel                = "meta-llama/llama-4-maverick"
	DefaultOpenAIMaxTokens            = 512
	DefaultOpenAITemperature          = 0.7
	DefaultOpenAIRequestTimeout       = 45 * time.Second
	DefaultOpenAIMaxRequestsPerSecond = 1.0
	DefaultOpenAIReferer              = "https://discord.com"
	DefaultOpenAILogLevel             = slog.LevelInfo

	DefaultDiscordChannelName   = "porozmawiaj-z-andrzejem"
	DefaultDiscordLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent
	DiscordSlashCommandClear = "clear"
	discordMaxMessageLength  = 2000

	DefaultGiftCodeRequestTimeout = 30 * time.Second
	DefaultGiftCodeLogLevel       = slog.LevelInfo

	DefaultAPIListen         = ""
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	defaultListenNetwork     = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xAPIKeyHeader,
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = validator.New()

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" validate:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" validate:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed to open the database and
	// connect to the discord gateway.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" validate:"gte=0"`

	// ShutdownTimeout is the time to allow for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`

	Chat      *ChatConfig     `yaml:"chat" mapstructure:"chat" json:"chat" validate:"required"`
	OpenAI    *OpenAIConfig   `yaml:"openai" mapstructure:"openai" json:"openai" validate:"required"`
	Discord   *DiscordConfig  `yaml:"discord" mapstructure:"discord" json:"discord" validate:"required"`
	GiftCodes *GiftCodeConfig `yaml:"giftcodes" mapstructure:"giftcodes" json:"giftcodes" validate:"required"`
	API       *APIConfig      `yaml:"api" mapstructure:"api" json:"api" validate:"required"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// ChatConfig configures the conversational responder
type ChatConfig struct {
	// HistoryLength is the number of exchanges retained per user and
	// channel. Twice this many turns are stored.
	HistoryLength int `yaml:"history_length" mapstructure:"history_length" json:"history_length" validate:"gte=0"`

	// SystemPrompt replaces the embedded persona prompt when set
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	// RemoteErrorMessage is the reply sent when the chat API returns an error status
	RemoteErrorMessage string `yaml:"remote_error_message" mapstructure:"remote_error_message" json:"remote_error_message" validate:"required"`

	// TechnicalErrorMessage is the reply sent on any other failure
	TechnicalErrorMessage string `yaml:"technical_error_message" mapstructure:"technical_error_message" json:"technical_error_message" validate:"required"`

	// ClearMessage is the ephemeral reply to /clear
	ClearMessage string `yaml:"clear_message" mapstructure:"clear_message" json:"clear_message" validate:"required"`
}

// OpenAIConfig configures the OpenAI-compatible chat completion endpoint
type OpenAIConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// BaseURL of the API. Requests go to BaseURL + "/chat/completions".
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" validate:"required,url"`

	Model       string  `yaml:"model" mapstructure:"model" json:"model" validate:"required"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" validate:"gte=0"`
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" validate:"gte=0,lte=2"`

	// Referer is sent as the HTTP-Referer header, which OpenRouter
	// uses to attribute requests
	Referer string `yaml:"referer" mapstructure:"referer" json:"referer"`

	RequestTimeout       time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" validate:"gte=0"`
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" validate:"gt=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// ChannelName is the only channel the bot responds in
	ChannelName string `yaml:"channel_name" mapstructure:"channel_name" json:"channel_name" validate:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Reading message text requires the
	// (privileged) message content intent.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// GiftCodeConfig configures the remote gift code API
type GiftCodeConfig struct {
	APIURL         string         `yaml:"api_url" mapstructure:"api_url" json:"api_url" validate:"omitempty,url"`
	APIKey         string         `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`
	RequestTimeout time.Duration  `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" validate:"gte=0"`
	LogLevel       *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// The address and port on which the server should listen
	// (e.g., "127.0.0.1:5000"). The API is disabled when empty.
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" validate:"oneof=tcp tcp4 tcp6 unix"`

	// Secret expected in the X-API-Key header of protected requests
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Development mounts the pprof handlers under /api/debug/pprof
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:  []string{},
		AllowMethods:  append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:  append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders: append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:        DefaultCORSMaxAge,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lvl := &slog.LevelVar{}
	lvl.Set(level)
	return lvl
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Chat: &ChatConfig{
			HistoryLength:         DefaultHistoryLength,
			RemoteErrorMessage:    DefaultRemoteErrorMessage,
			TechnicalErrorMessage: DefaultTechnicalErrorMessage,
			ClearMessage:          DefaultClearMessage,
		},
		OpenAI: &OpenAIConfig{
			BaseURL:              DefaultOpenAIBaseURL,
			Model:                DefaultOpenAIModel,
			MaxTokens:            DefaultOpenAIMaxTokens,
			Temperature:          DefaultOpenAITemperature,
			Referer:              DefaultOpenAIReferer,
			RequestTimeout:       DefaultOpenAIRequestTimeout,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             newLevelVar(DefaultOpenAILogLevel),
		},
		Discord: &DiscordConfig{
			ChannelName:       DefaultDiscordChannelName,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			GatewayIntents:    DefaultDiscordGatewayIntent,
		},
		GiftCodes: &GiftCodeConfig{
			RequestTimeout: DefaultGiftCodeRequestTimeout,
			LogLevel:       newLevelVar(DefaultGiftCodeLogLevel),
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
