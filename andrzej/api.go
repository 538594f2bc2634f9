package andrzej

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	xRequestIDHeader = "X-Request-ID"
	xAPIKeyHeader    = "X-API-Key"

	apiPrefix            = "/api"
	apiHealthCheck       = "/healthz"
	apiPathConversation  = "/conversations/:user_id/:channel"
	apiPathGiftCodes     = "/giftcodes"
	apiPathGiftCode      = "/giftcodes/:code"
	apiMaxHistoryLimit   = 1000
	apiAuthFailuresLimit = 1
)

// API is the admin HTTP server. Everything under /api requires the
// configured secret in the X-API-Key header.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	store     *ConversationStore
	giftCodes *GiftCodeClient
	discord   *Discord
	startedAt time.Time

	// failed authentication attempts are limited, instead of all
	// requests
	authFailureLimiter *rate.Limiter

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool          `json:"discord_gateway_connected"`
	Uptime                  string        `json:"uptime"`
	Version                 string        `json:"version"`
	Metrics                 healthMetrics `json:"metrics"`
}

type healthMetrics struct {
	Requests           map[string]int `json:"requests"`
	DiscordConnects    int64          `json:"discord_connects"`
	DiscordDisconnects int64          `json:"discord_disconnects"`
	MessagesSeen       int64          `json:"messages_seen"`
	Replies            int64          `json:"replies"`
	ReplyErrors        int64          `json:"reply_errors"`
}

type conversationResponse struct {
	UserID      string             `json:"user_id"`
	ChannelName string             `json:"channel_name"`
	Turns       []ConversationTurn `json:"turns"`
}

type clearConversationResponse struct {
	Deleted int64 `json:"deleted"`
}

type giftCodesResponse struct {
	Source string `json:"source"`
	Codes  any    `json:"codes"`
}

type removeGiftCodeResponse struct {
	Code    string `json:"code"`
	Removed bool   `json:"removed"`
}

func newAPI(
	config *APIConfig,
	store *ConversationStore,
	giftCodes *GiftCodeClient,
	discord *Discord,
) *API {
	r := gin.New()

	api := &API{
		config:             config,
		engine:             r,
		logger:             newComponentLogger("api", config.LogLevel),
		store:              store,
		giftCodes:          giftCodes,
		discord:            discord,
		startedAt:          time.Now(),
		authFailureLimiter: rate.NewLimiter(rate.Limit(apiAuthFailuresLimit), 1),
		requestMetrics:     map[string]int{},
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
	)
	if len(config.CORS.AllowOrigins) > 0 {
		r.Use(cors.New(config.CORS.GINConfig()))
	}

	r.GET(apiHealthCheck, api.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathConversation, api.getConversation)
	protected.DELETE(apiPathConversation, api.clearConversation)
	protected.GET(apiPathGiftCodes, api.getGiftCodes)
	protected.DELETE(apiPathGiftCode, api.removeGiftCode)

	if config.Development {
		ginPprof.RouteRegister(protected)
	}

	return api
}

// Serve listens on the configured address and blocks until the server
// is shut down. http.ErrServerClosed is not returned.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving API", "address", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// healthCheck reports whether the discord gateway is connected, along
// with request and message counters
//
// Responses:
//   - 200 OK
func (a *API) healthCheck(c *gin.Context) {
	connected := false
	metrics := healthMetrics{Requests: a.requestCounts()}
	if a.discord != nil {
		connected = a.discord.connected.Load()
		metrics.DiscordConnects = a.discord.metricConnects.Load()
		metrics.DiscordDisconnects = a.discord.metricDisconnects.Load()
		metrics.MessagesSeen = a.discord.metricMessagesSeen.Load()
		if r := a.discord.responder; r != nil {
			metrics.Replies = r.metricReplies.Load()
			metrics.ReplyErrors = r.metricErrors.Load()
		}
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: connected,
			Uptime:                  time.Since(a.startedAt).Round(time.Second).String(),
			Version:                 Version,
			Metrics:                 metrics,
		},
	)
}

// getConversation returns the stored history of a conversation, oldest
// first. The 'limit' query parameter defaults to the retention window.
//
// Responses:
//   - 200 OK
//   - 400 Bad Request: invalid limit
//   - 503 Service Unavailable: the database couldn't be read
func (a *API) getConversation(c *gin.Context) {
	logger := ginContextLogger(c)
	key := ConversationKey{UserID: c.Param("user_id"), ChannelName: c.Param("channel")}

	limit := a.store.Window()
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > apiMaxHistoryLimit {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: fmt.Sprintf("limit must be between 0 and %d", apiMaxHistoryLimit)},
			)
			return
		}
		limit = n
	}

	turns, err := a.store.Recent(WithLogger(c.Request.Context(), logger), key, limit)
	if err != nil {
		_ = c.Error(err)
		ginReplyStatusError(c, err)
		return
	}
	c.JSON(
		http.StatusOK, conversationResponse{
			UserID:      key.UserID,
			ChannelName: key.ChannelName,
			Turns:       turns,
		},
	)
}

// clearConversation deletes the stored history of a conversation
//
// Responses:
//   - 200 OK
//   - 503 Service Unavailable: the database couldn't be written
func (a *API) clearConversation(c *gin.Context) {
	logger := ginContextLogger(c)
	key := ConversationKey{UserID: c.Param("user_id"), ChannelName: c.Param("channel")}

	n, err := a.store.Clear(WithLogger(c.Request.Context(), logger), key)
	if err != nil {
		_ = c.Error(err)
		ginReplyStatusError(c, err)
		return
	}
	c.JSON(http.StatusOK, clearConversationResponse{Deleted: n})
}

// getGiftCodes lists the codes offered by the remote gift code API.
// With ?source=local, the local mirror is listed instead.
//
// Responses:
//   - 200 OK
//   - 502 Bad Gateway: the remote API failed, or sent an unusable response
//   - 503 Service Unavailable: the gift code API isn't configured, or the
//     database couldn't be read
func (a *API) getGiftCodes(c *gin.Context) {
	ctx := WithLogger(c.Request.Context(), ginContextLogger(c))

	if c.Query("source") == "local" {
		codes, err := a.giftCodes.LocalCodes(ctx)
		if err != nil {
			_ = c.Error(err)
			ginReplyStatusError(c, err)
			return
		}
		c.JSON(http.StatusOK, giftCodesResponse{Source: "local", Codes: codes})
		return
	}

	codes, err := a.giftCodes.ListCodes(ctx)
	if err != nil {
		_ = c.Error(err)
		ginReplyStatusError(c, err)
		return
	}
	c.JSON(http.StatusOK, giftCodesResponse{Source: "remote", Codes: codes})
}

// removeGiftCode removes a code from the remote API and the local
// mirror
//
// Responses:
//   - 200 OK: 'removed' is false if the remote API didn't confirm removal
//   - 502 Bad Gateway: the remote API failed, or sent an unusable response
//   - 503 Service Unavailable: the gift code API isn't configured, or the
//     database couldn't be written
func (a *API) removeGiftCode(c *gin.Context) {
	ctx := WithLogger(c.Request.Context(), ginContextLogger(c))
	code := c.Param("code")

	removed, err := a.giftCodes.RemoveCode(ctx, code, true)
	if err != nil {
		_ = c.Error(err)
		ginReplyStatusError(c, err)
		return
	}
	c.JSON(http.StatusOK, removeGiftCodeResponse{Code: code, Removed: removed})
}

// ginReplyStatusError aborts with a status code matching err
func ginReplyStatusError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrGiftCodesDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrRemote), errors.Is(err, ErrMalformedResponse):
		status = http.StatusBadGateway
	}
	c.AbortWithStatusJSON(status, httpError{Error: err.Error()})
}

// authMiddleware requires the X-API-Key header to match the configured
// secret. If no secret is configured, every request is rejected.
// Rejections beyond the failure limiter's rate get 429 instead of 401.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.config.Secret == "" {
			logger.Warn("API secret not set, rejecting request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		key := c.GetHeader(xAPIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.config.Secret)) == 1 {
			c.Next()
			return
		}

		if !a.authFailureLimiter.Allow() {
			logger.Warn("too many failed authentication attempts")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		logger.Warn("invalid API key", "key_present", key != "")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it finishes, with any
// errors attached to the gin context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		errs := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errs.Last()),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// requestCounts returns a copy of the per-route request counts
func (a *API) requestCounts() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	counts := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		counts[k] = v
	}
	return counts
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		a.requestMetrics[c.Request.Method+" "+route]++
	}
}
