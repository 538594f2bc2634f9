package andrzej

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// Discord connects the Responder to the discord gateway.
//
// It answers messages in the configured channel, and handles the /clear
// slash command. Each message is handled on its own goroutine; Close
// waits for those to finish.
type Discord struct {
	session   DiscordSessionHandler
	config    *DiscordConfig
	chat      *ChatConfig
	logger    *slog.Logger
	responder *Responder
	store     *ConversationStore

	metricConnects     atomic.Int64
	metricDisconnects  atomic.Int64
	metricMessagesSeen atomic.Int64
	connected          atomic.Bool

	removeHandlerFuncs []func()
	handlersWG         sync.WaitGroup
}

func newDiscord(
	config *DiscordConfig,
	chat *ChatConfig,
	responder *Responder,
	store *ConversationStore,
) *Discord {
	return &Discord{
		config:    config,
		chat:      chat,
		responder: responder,
		store:     store,
		logger:    newComponentLogger("discord", config.LogLevel),
	}
}

// newSession initializes a new discord session, with the configured
// token, intents and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// appCommandClear creates the ApplicationCommand for "/clear"
func (*Discord) appCommandClear() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandClear,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Forget our conversation in this channel",
	}
}

func (d *Discord) registerCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if d.config.ApplicationID == "" {
		d.logger.Warn("no application ID set, skipping slash command registration")
		return nil, nil
	}
	return d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		[]*discordgo.ApplicationCommand{d.appCommandClear()},
		options...,
	)
}

// Open creates the session (unless one was already set), adds the
// gateway handlers, connects, and registers slash commands.
func (d *Discord) Open(ctx context.Context) error {
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerMessageCreate(ctx)),
		d.session.AddHandler(d.handlerInteractionCreate(ctx)),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err := d.registerCommands(); err != nil {
		d.logger.ErrorContext(ctx, "error registering slash commands", tint.Err(err))
	}
	return nil
}

// Close removes handlers, closes the gateway connection, and waits for
// in-flight messages to be handled.
func (d *Discord) Close() error {
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil

	var err error
	if d.session != nil {
		err = d.session.Close()
	}
	d.handlersWG.Wait()
	d.connected.Store(false)
	return err
}

func (d *Discord) handlerConnect() func(*discordgo.Session, *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(*discordgo.Session, *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		d.logger.Warn("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil {
			return
		}
		d.handlersWG.Add(1)
		go func() {
			defer d.handlersWG.Done()
			d.handleMessage(ctx, m.Message)
		}()
	}
}

func (d *Discord) handlerInteractionCreate(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i == nil || i.Interaction == nil {
			return
		}
		d.handlersWG.Add(1)
		go func() {
			defer d.handlersWG.Done()
			d.handleInteraction(ctx, i.Interaction)
		}()
	}
}

// messageAuthor returns the author of m, falling back to the guild
// member's user
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m.Author != nil {
		return m.Author
	}
	if m.Member != nil {
		return m.Member.User
	}
	return nil
}

// handleMessage replies to m if it's a non-blank message from a person,
// in a guild channel named [DiscordConfig.ChannelName].
func (d *Discord) handleMessage(ctx context.Context, m *discordgo.Message) {
	d.metricMessagesSeen.Add(1)
	logger := d.logger.With("message_id", m.ID, "channel_id", m.ChannelID)

	author := messageAuthor(m)
	if author == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}
	if author.Bot || (d.config.ApplicationID != "" && author.ID == d.config.ApplicationID) {
		logger.DebugContext(ctx, "ignoring message from bot", "user_id", author.ID)
		return
	}
	if m.GuildID == "" {
		logger.DebugContext(ctx, "ignoring direct message", "user_id", author.ID)
		return
	}

	channelName, err := d.session.ChannelName(m.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error resolving channel name", tint.Err(err))
		return
	}
	if channelName != d.config.ChannelName {
		return
	}

	prompt := strings.TrimSpace(m.Content)
	if prompt == "" {
		logger.DebugContext(ctx, "ignoring blank message")
		return
	}

	logger = logger.With("user_id", author.ID, "channel_name", channelName)
	ctx = WithLogger(ctx, logger)

	if typingErr := d.session.ChannelTyping(m.ChannelID); typingErr != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(typingErr))
	}

	reply, err := d.responder.HandleMessage(
		ctx, IncomingMessage{
			UserID:      author.ID,
			ChannelName: channelName,
			Content:     prompt,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error handling message", tint.Err(err))
	}
	if reply == "" {
		return
	}
	if sendErr := d.reply(m, reply); sendErr != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
	}
}

// reply sends content as a reply to m, without pinging the author or
// anyone mentioned in content. Content longer than discord's limit is
// sent as several messages, only the first being a reply.
func (d *Discord) reply(m *discordgo.Message, content string) error {
	var errs []error
	for idx, chunk := range splitMessage(content, discordMaxMessageLength) {
		data := &discordgo.MessageSend{
			Content: chunk,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse:       []discordgo.AllowedMentionType{},
				RepliedUser: false,
			},
		}
		if idx == 0 {
			data.Reference = m.Reference()
		}
		if _, err := d.session.ChannelMessageSendComplex(m.ChannelID, data); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return errors.Join(errs...)
}

// handleInteraction handles application commands. Only /clear exists.
func (d *Discord) handleInteraction(ctx context.Context, i *discordgo.Interaction) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	logger := d.logger.With("interaction_id", i.ID, "command", data.Name)

	if data.Name != DiscordSlashCommandClear {
		logger.WarnContext(ctx, "unknown command")
		return
	}

	var user *discordgo.User
	switch {
	case i.Member != nil && i.Member.User != nil:
		user = i.Member.User
	case i.User != nil:
		user = i.User
	default:
		logger.WarnContext(ctx, "no user found in interaction")
		return
	}

	message := d.chat.ClearMessage
	channelName, err := d.session.ChannelName(i.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error resolving channel name", tint.Err(err))
		message = d.chat.TechnicalErrorMessage
	} else {
		key := ConversationKey{UserID: user.ID, ChannelName: channelName}
		if _, err = d.store.Clear(WithLogger(ctx, logger), key); err != nil {
			logger.ErrorContext(ctx, "error clearing history", tint.Err(err))
			message = d.chat.TechnicalErrorMessage
		}
	}

	respondErr := d.session.InteractionRespond(
		i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: message,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if respondErr != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(respondErr))
	}
}

// DiscordSessionHandler is the subset of
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
// used by the bot. It exists so the gateway can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler, returning a
	// function which removes it
	AddHandler(handler any) func()

	// ChannelName returns the name of the given channel
	ChannelName(channelID string) (string, error)

	// ChannelTyping shows the typing indicator in the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

// ChannelName checks the state cache before asking the API
func (d DiscordSession) ChannelName(channelID string) (string, error) {
	if d.session.State != nil {
		if ch, err := d.session.State.Channel(channelID); err == nil {
			return ch.Name, nil
		}
	}
	ch, err := d.session.Channel(channelID)
	if err != nil {
		return "", err
	}
	if d.session.State != nil {
		if addErr := d.session.State.ChannelAdd(ch); addErr != nil {
			d.logger.Debug("unable to cache channel", "channel_id", channelID, tint.Err(addErr))
		}
	}
	return ch.Name, nil
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", data.Content,
		)
	} else {
		d.logger.Info(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.logger.Info("registering commands", "app_id", appID, "guild_id", guildID)
	return d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
