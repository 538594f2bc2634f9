package andrzej

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/andrzej/andrzej.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot wires the conversation store, the chat client, discord, the gift
// code client and the admin API together.
//
// New sets up logging and the chat client. Init opens the database and
// builds everything depending on it. Run calls Init if it hasn't been
// called, and blocks until its context is canceled.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db        *gorm.DB
	writeDB   DBI
	store     *ConversationStore
	openai    *OpenAI
	completer ChatCompleter
	responder *Responder
	discord   *Discord
	giftCodes *GiftCodeClient
	api       *API

	initOnce sync.Once
	initErr  error
	runMu    sync.Mutex
}

func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{config: config}
	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	if config.OpenAI != nil {
		b.openai = newOpenAI(config.OpenAI, config.HTTPClient)
		b.completer = b.openai
	} else {
		errs = append(errs, errors.New("missing openai config"))
	}

	if config.Discord != nil {
		config.Discord.httpClient = config.HTTPClient
		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
				[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
			),
		)
	} else {
		errs = append(errs, errors.New("missing discord config"))
	}

	if config.Chat == nil {
		errs = append(errs, errors.New("missing chat config"))
	}
	if config.GiftCodes == nil {
		errs = append(errs, errors.New("missing giftcodes config"))
	}
	if config.API == nil {
		errs = append(errs, errors.New("missing api config"))
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Init opens and migrates the database, then builds the components
// depending on it. It only runs once; later calls return the first
// result.
func (b *Bot) Init(ctx context.Context) error {
	b.initOnce.Do(
		func() {
			b.initErr = b.init(ctx)
		},
	)
	return b.initErr
}

func (b *Bot) init(ctx context.Context) error {
	logger := contextLoggerOr(ctx, b.logger)
	logger.DebugContext(ctx, "initializing database")

	db, err := CreateDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		newLogHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)

	store, err := NewConversationStore(b.writeDB, b.config.Chat.HistoryLength, b.logger)
	if err != nil {
		return err
	}
	b.store = store

	b.responder = NewResponder(store, b.completer, b.config.Chat, b.logger)
	b.discord = newDiscord(b.config.Discord, b.config.Chat, b.responder, store)
	b.giftCodes = newGiftCodeClient(b.config.GiftCodes, b.writeDB, b.config.HTTPClient)
	b.api = newAPI(b.config.API, store, b.giftCodes, b.discord)
	return nil
}

// Store returns the conversation store. Init must have been called.
func (b *Bot) Store() *ConversationStore {
	return b.store
}

// GiftCodes returns the gift code client. Init must have been called.
func (b *Bot) GiftCodes() *GiftCodeClient {
	return b.giftCodes
}

// Close closes the database connection
func (b *Bot) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Run starts the admin API (if configured) and the discord session, and
// blocks until ctx is canceled or either fails. Messages being handled
// when ctx is canceled are allowed to finish, within
// [Config.ShutdownTimeout].
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.Init(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("error closing database", tint.Err(err))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if b.config.API.Listen != "" {
		g.Go(
			func() error {
				return b.api.Serve(gctx)
			},
		)
		g.Go(
			func() error {
				<-gctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(
					context.WithoutCancel(gctx),
					b.config.ShutdownTimeout,
				)
				defer shutdownCancel()
				return b.api.Shutdown(shutdownCtx)
			},
		)
	} else {
		logger.InfoContext(ctx, "admin API disabled")
	}

	openErr := make(chan error, 1)
	go func() {
		// handlers keep running through shutdown, until Close
		openErr <- b.discord.Open(context.WithoutCancel(gctx))
	}()
	select {
	case <-startCtx.Done():
		cancel()
		err := fmt.Errorf("discord startup cancelled or timed out: %w", startCtx.Err())
		return errors.Join(err, g.Wait())
	case err := <-openErr:
		if err != nil {
			logger.ErrorContext(ctx, "error opening discord session", tint.Err(err))
			cancel()
			return errors.Join(err, g.Wait())
		}
	}
	logger.InfoContext(ctx, "ready")

	g.Go(
		func() error {
			<-gctx.Done()
			logger.WarnContext(ctx, "shutting down")
			return b.closeDiscord()
		},
	)

	return g.Wait()
}

// closeDiscord closes the discord session, giving up on in-flight
// messages after [Config.ShutdownTimeout]
func (b *Bot) closeDiscord() error {
	done := make(chan error, 1)
	go func() {
		done <- b.discord.Close()
	}()
	timer := time.NewTimer(b.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errors.New("timed out waiting for discord handlers to finish")
	}
}
