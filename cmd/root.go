package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/andrzej/andrzej"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = andrzej.DefaultConfig()
	configFile string
)

// levelKeys are the settings holding a log level
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"giftcodes.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:           "andrzej [flags]",
	Short:         "A discord bot you can talk to",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

var levelVarType = reflect.TypeOf(slog.LevelVar{})

// LevelToStringHookFunc decodes level names ("DEBUG", "info", ...) into
// *slog.LevelVar fields.
//
// When the field already holds a *slog.LevelVar, mapstructure decodes
// into the pointed-to struct, so the hook sees slog.LevelVar rather than
// the pointer. Both return a *slog.LevelVar, which mapstructure copies
// into the struct when the types match.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		switch {
		case t == levelVarType:
		case t.Kind() == reflect.Ptr && t.Elem() == levelVarType:
		default:
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", andrzej.DefaultDatabase)
	viper.SetDefault("database_type", andrzej.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", andrzej.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", andrzej.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", andrzej.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", andrzej.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", andrzej.DefaultShutdownTimeout)

	// Chat config
	viper.SetDefault("chat.history_length", andrzej.DefaultHistoryLength)
	viper.SetDefault("chat.system_prompt", "")
	viper.SetDefault("chat.remote_error_message", andrzej.DefaultRemoteErrorMessage)
	viper.SetDefault("chat.technical_error_message", andrzej.DefaultTechnicalErrorMessage)
	viper.SetDefault("chat.clear_message", andrzej.DefaultClearMessage)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", andrzej.DefaultOpenAIBaseURL)
	viper.SetDefault("openai.model", andrzej.DefaultOpenAIModel)
	viper.SetDefault("openai.max_tokens", andrzej.DefaultOpenAIMaxTokens)
	viper.SetDefault("openai.temperature", andrzej.DefaultOpenAITemperature)
	viper.SetDefault("openai.referer", andrzej.DefaultOpenAIReferer)
	viper.SetDefault("openai.request_timeout", andrzej.DefaultOpenAIRequestTimeout)
	viper.SetDefault(
		"openai.max_requests_per_second",
		andrzej.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", andrzej.DefaultOpenAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.channel_name", andrzej.DefaultDiscordChannelName)
	viper.SetDefault("discord.log_level", andrzej.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		andrzej.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", andrzej.DefaultDiscordGatewayIntent)

	// Gift code API config
	viper.SetDefault("giftcodes.api_url", "")
	viper.SetDefault("giftcodes.api_key", "")
	viper.SetDefault("giftcodes.request_timeout", andrzej.DefaultGiftCodeRequestTimeout)
	viper.SetDefault("giftcodes.log_level", andrzej.DefaultGiftCodeLogLevel.String())

	// API config
	viper.SetDefault("api.listen", andrzej.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", andrzej.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", andrzej.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", andrzej.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", andrzej.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", andrzej.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", andrzej.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", andrzej.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", andrzej.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_credentials", false)
	viper.SetDefault("api.cors.max_age", andrzej.DefaultCORSMaxAge)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(andrzej.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = andrzej.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// space-separated lists (api.cors.*) are split by StringToSliceHookFunc,
	// and levels decoded by LevelToStringHookFunc. This just fails early.
	for _, k := range levelKeys {
		if _, err := getLogLevel(viper.GetString(k)); err != nil {
			log.Fatalf("error parsing %s: %v", k, err)
		}
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load configuration from",
	)
}
