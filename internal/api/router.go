package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
	"github.com/Martian-dev/mailbox-sync/internal/trigger"
)

// SyncManager is the trigger layer the routes drive.
type SyncManager interface {
	Trigger(ctx context.Context, userID string) (mailsync.SyncResult, error)
	StartSchedule(ctx context.Context, userID string, interval time.Duration) error
	StopSchedule(userID string) error
	IsRunning(userID string) bool
	InFlight(userID string) bool
}

// Store is the slice of the local replica the routes read and write.
type Store interface {
	UpsertAccount(ctx context.Context, acct *mailsync.Account) error
	SyncStatus(ctx context.Context, userID string) (*sqlite.SyncStatus, error)
	Conversations(ctx context.Context, userID string, limit int) ([]*mailsync.Conversation, error)
}

// NotificationHandler consumes decoded Gmail push notifications.
type NotificationHandler interface {
	Handle(ctx context.Context, n trigger.GmailNotification) (bool, error)
}

// Server holds the dependencies of the HTTP routes.
type Server struct {
	// ctx bounds work that outlives a request: schedules and push-triggered syncs.
	ctx           context.Context
	authn         Authenticator
	manager       SyncManager
	store         Store
	notifications NotificationHandler
	syncInterval  time.Duration
	pushToken     string
}

// Options configures optional routes.
type Options struct {
	// SyncInterval is the default schedule period; zero disables schedules.
	SyncInterval time.Duration
	// PushToken, when set, must match the token query parameter of push deliveries.
	PushToken string
}

func NewServer(ctx context.Context, authn Authenticator, manager SyncManager, store Store, notifications NotificationHandler, opts Options) *Server {
	return &Server{
		ctx:           ctx,
		authn:         authn,
		manager:       manager,
		store:         store,
		notifications: notifications,
		syncInterval:  opts.SyncInterval,
		pushToken:     opts.PushToken,
	}
}

// SetupRoutes registers every route on r.
func (s *Server) SetupRoutes(r *gin.Engine) {
	r.GET("/healthz", s.healthz)

	r.POST("/webhooks/gmail", s.gmailPush)

	api := r.Group("/api")
	api.Use(AuthMiddleware(s.authn))
	{
		api.POST("/sync", s.triggerSync)
		api.GET("/sync/status", s.syncStatus)
		api.POST("/sync/schedule", s.startSchedule)
		api.DELETE("/sync/schedule", s.stopSchedule)
		api.GET("/conversations", s.conversations)
	}
}

// keyCacheReporter is implemented by authenticators that cache signing keys.
type keyCacheReporter interface {
	Stats() map[string]interface{}
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if reporter, ok := s.authn.(keyCacheReporter); ok {
		body["jwks"] = reporter.Stats()
	}
	c.JSON(http.StatusOK, body)
}

type syncRequest struct {
	Provider string `json:"provider"`
	Email    string `json:"email"`
}

func parseProvider(p string) (mailsync.ProviderName, bool) {
	switch strings.ToLower(p) {
	case "google", "gmail":
		return mailsync.ProviderGoogle, true
	case "microsoft", "outlook":
		return mailsync.ProviderMicrosoft, true
	}
	return "", false
}

// triggerSync runs a sync for the caller. A provider in the body links or
// relinks the caller's mailbox first.
func (s *Server) triggerSync(c *gin.Context) {
	user := currentUser(c)

	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Provider != "" {
		provider, ok := parseProvider(req.Provider)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported provider"})
			return
		}
		email := req.Email
		if email == "" {
			email = user.Email
		}
		if email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mailbox email required"})
			return
		}
		acct := &mailsync.Account{UserID: user.ID, Email: email, Provider: provider}
		if err := s.store.UpsertAccount(c.Request.Context(), acct); err != nil {
			log.Error().Err(err).Str("user_id", user.ID).Msg("failed to link mailbox")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to link mailbox"})
			return
		}
	}

	res, err := s.manager.Trigger(c.Request.Context(), user.ID)
	if errors.Is(err, mailsync.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(resultStatus(res), res)
}

// resultStatus maps a sync outcome onto an HTTP status.
func resultStatus(res mailsync.SyncResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Error {
	case mailsync.ReasonRateLimited:
		return http.StatusTooManyRequests
	case mailsync.ReasonAuth:
		return http.StatusFailedDependency
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) syncStatus(c *gin.Context) {
	user := currentUser(c)

	status, err := s.store.SyncStatus(c.Request.Context(), user.ID)
	if errors.Is(err, mailsync.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":   user.ID,
			"status":    "NEVER_SYNCED",
			"in_flight": s.manager.InFlight(user.ID),
			"scheduled": s.manager.IsRunning(user.ID),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":               status.UserID,
		"status":                status.Status,
		"sync_type":             status.SyncType,
		"messages_processed":    status.MessagesProcessed,
		"conversations_updated": status.ConversationsUpdated,
		"skipped":               status.Skipped,
		"timed_out":             status.TimedOut,
		"last_error":            status.LastError,
		"consecutive_failures":  status.ConsecutiveFailures,
		"last_synced_at":        status.LastSyncedAt,
		"in_flight":             s.manager.InFlight(user.ID),
		"scheduled":             s.manager.IsRunning(user.ID),
	})
}

func (s *Server) startSchedule(c *gin.Context) {
	user := currentUser(c)

	interval := s.syncInterval
	if raw := c.Query("interval"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval"})
			return
		}
		interval = parsed
	}
	if interval <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled sync is disabled"})
		return
	}

	if s.manager.IsRunning(user.ID) {
		c.JSON(http.StatusConflict, gin.H{"error": "schedule already running"})
		return
	}
	if err := s.manager.StartSchedule(s.ctx, user.ID, interval); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"user_id": user.ID, "interval": interval.String()})
}

func (s *Server) stopSchedule(c *gin.Context) {
	user := currentUser(c)
	if err := s.manager.StopSchedule(user.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) conversations(c *gin.Context) {
	user := currentUser(c)

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	convs, err := s.store.Conversations(c.Request.Context(), user.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(convs))
	for _, conv := range convs {
		out = append(out, gin.H{
			"id":              conv.ID,
			"thread_id":       conv.ThreadID,
			"subject":         conv.Subject,
			"last_message_at": conv.LastMessageAt,
			"message_count":   conv.MessageCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// gmailPush acknowledges a Pub/Sub push delivery and syncs in the
// background. Malformed deliveries are acknowledged and dropped.
func (s *Server) gmailPush(c *gin.Context) {
	if s.notifications == nil {
		c.Status(http.StatusNotFound)
		return
	}
	if s.pushToken != "" && subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(s.pushToken)) != 1 {
		c.Status(http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	n, err := trigger.DecodePush(body)
	if err != nil {
		log.Warn().Err(err).Msg("dropping gmail push")
		c.Status(http.StatusNoContent)
		return
	}

	go func() {
		if _, err := s.notifications.Handle(s.ctx, n); err != nil {
			log.Error().Err(err).Str("email", n.EmailAddress).Msg("gmail push failed")
		}
	}()
	c.Status(http.StatusAccepted)
}
