package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Martian-dev/mail-sync-infra/internal/accounts"
	"github.com/Martian-dev/mail-sync-infra/internal/auth"
	"github.com/Martian-dev/mail-sync-infra/internal/eventstore/sqlite"
	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
	"github.com/Martian-dev/mail-sync-infra/internal/natsjs"
	"github.com/Martian-dev/mail-sync-infra/internal/oauth"
	"github.com/Martian-dev/mail-sync-infra/internal/providers/gmail"
	"github.com/Martian-dev/mail-sync-infra/internal/providers/outlook"
	"github.com/Martian-dev/mail-sync-infra/internal/push"
	mailsync "github.com/Martian-dev/mail-sync-infra/internal/sync"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type syncRequest struct {
	InboxID  string   `json:"inboxId" binding:"required"`
	Provider string   `json:"provider" binding:"required"`
	Labels   []string `json:"labels"`
}

type sendRequest struct {
	InboxID  string   `json:"inboxId" binding:"required"`
	Provider string   `json:"provider"`
	To       []string `json:"to" binding:"required"`
	Cc       []string `json:"cc"`
	Bcc      []string `json:"bcc"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	HTML     bool     `json:"html"`
}

type replyRequest struct {
	InboxID  string `json:"inboxId" binding:"required"`
	Provider string `json:"provider"`
	ThreadID string `json:"threadId" binding:"required"`
	Body     string `json:"body" binding:"required"`
	HTML     bool   `json:"html"`
	ReplyAll bool   `json:"replyAll"`
}

type modifyLabelsRequest struct {
	InboxID    string   `json:"inboxId" binding:"required"`
	Provider   string   `json:"provider"`
	MessageIDs []string `json:"messageIds" binding:"required"`
	Add        []string `json:"add"`
	Remove     []string `json:"remove"`
}

// server carries the wired service dependencies.
type server struct {
	dataRoot  string
	accounts  *accounts.Service
	tokens    *auth.TokenService
	oauth     *oauth.Manager
	manager   *mailsync.Manager
	verifier  *push.Verifier
	factory   mailsync.ProviderFactory
	engineLog *slog.Logger

	// pending OAuth states, state -> the connect attempt that minted it
	statesMu stdsync.Mutex
	states   map[string]pendingConnect
}

// pendingConnect records one in-flight OAuth authorization. The token
// exchange must repeat the exact redirect URI the authorization request
// used; the provider does not echo it back on the callback.
type pendingConnect struct {
	UserID      string
	RedirectURI string
}

func (s *server) stashState(userID, redirectURI string) string {
	state := uuid.NewString()
	s.statesMu.Lock()
	s.states[state] = pendingConnect{UserID: userID, RedirectURI: redirectURI}
	s.statesMu.Unlock()
	return state
}

// takeState consumes a pending state; each state is good for one callback.
func (s *server) takeState(state string) (pendingConnect, bool) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	pending, ok := s.states[state]
	delete(s.states, state)
	return pending, ok
}

func main() {
	dataRoot := envOr("DATA_ROOT", "data")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if webhookSecret == "" {
		log.Fatal("WEBHOOK_SECRET is required")
	}

	accountsDB, err := accounts.Open(filepath.Join(dataRoot, "auth.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer accountsDB.Close()

	tokens, err := auth.NewTokenService([]byte(jwtSecret))
	if err != nil {
		log.Fatal(err)
	}

	verifier, err := push.NewVerifier([]byte(webhookSecret))
	if err != nil {
		log.Fatal(err)
	}

	publisher, err := natsjs.NewPublisher(envOr("NATS_URL", "nats://localhost:4222"))
	if err != nil {
		log.Fatal(err)
	}
	defer publisher.Close()

	oauthMgr := oauth.NewManager(oauth.Config{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
	})

	engineLog := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	factory := providerFactory(engineLog)

	openStore := func(userID string) (mailsync.Store, error) {
		return sqlite.OpenUserDB(filepath.Join(dataRoot, "users", userID, "events.db"))
	}
	manager := mailsync.NewManager(openStore, publisher, oauthMgr, factory)
	defer manager.StopAll()

	s := &server{
		dataRoot:  dataRoot,
		accounts:  accountsDB,
		tokens:    tokens,
		oauth:     oauthMgr,
		manager:   manager,
		verifier:  verifier,
		factory:   factory,
		engineLog: engineLog,
		states:    make(map[string]pendingConnect),
	}

	r := gin.Default()

	r.POST("/register", s.handleRegister)
	r.POST("/login", s.handleLogin)
	r.GET("/oauth/callback", s.handleOAuthCallback)
	r.POST("/webhook/push", s.handlePush)

	api := r.Group("/api")
	api.Use(s.authMiddleware())
	api.GET("/connect/google", s.handleConnectGoogle)
	api.POST("/disconnect", s.handleDisconnect)
	api.POST("/sync/start", s.handleSyncStart)
	api.POST("/sync/stop", s.handleSyncStop)
	api.GET("/sync/status", s.handleSyncStatus)
	api.POST("/watch", s.handleWatch)
	api.POST("/watch/stop", s.handleWatchStop)
	api.POST("/send", s.handleSend)
	api.POST("/reply", s.handleReply)
	api.POST("/labels", s.handleModifyLabels)

	log.Fatal(r.Run(":" + envOr("PORT", "8080")))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func providerFactory(engineLog *slog.Logger) mailsync.ProviderFactory {
	return func(ctx context.Context, accessToken, userID string, provider mailsync.ProviderName) (mailsync.MailProvider, error) {
		switch provider {
		case mailsync.ProviderGoogle:
			client, err := gmail.NewClient(ctx, accessToken, engineLog)
			if err != nil {
				return nil, err
			}
			return gmail.NewEngine(client, engineLog), nil
		case mailsync.ProviderMicrosoft:
			return outlook.New(accessToken, userID, engineLog)
		default:
			return nil, mailerr.Newf(mailerr.KindInvalidRequest, "unsupported provider %q", provider)
		}
	}
}

func (s *server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.tokens.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet("user").(*auth.User)
}

func (s *server) handleRegister(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.accounts.CreateUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.accounts.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	token, err := s.tokens.Issue(auth.User{ID: userIDString(user.ID), Username: user.Username})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func userIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func providerOrDefault(name string) mailsync.ProviderName {
	if name == "" {
		return mailsync.ProviderGoogle
	}
	return mailsync.ProviderName(name)
}

// handleConnectGoogle hands the caller an authorization URL. The state token
// binds the eventual callback to this user.
func (s *server) handleConnectGoogle(c *gin.Context) {
	user := currentUser(c)
	redirectURI := c.Query("redirect_uri")
	if redirectURI == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "redirect_uri is required"})
		return
	}

	state := s.stashState(user.ID, redirectURI)
	url, err := s.oauth.AuthorizationURL(redirectURI, state)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "state": state})
}

// handleOAuthCallback exchanges the authorization code, resolves the
// mailbox address, and stores the token record keyed by it.
func (s *server) handleOAuthCallback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and state are required"})
		return
	}

	pending, ok := s.takeState(state)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state"})
		return
	}
	userID := pending.UserID

	ctx := c.Request.Context()
	rec, err := s.oauth.Exchange(ctx, code, pending.RedirectURI)
	if err != nil {
		s.writeError(c, err)
		return
	}

	// The mailbox address is the inbox id everywhere downstream; read it
	// from the profile before anything is persisted.
	client, err := gmail.NewClient(ctx, rec.AccessToken, s.engineLog)
	if err != nil {
		s.writeError(c, err)
		return
	}
	profile, err := gmail.NewEngine(client, s.engineLog).Profile(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}

	store, err := s.openUserStore(userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer store.Close()

	if err := store.SaveToken(ctx, string(mailsync.ProviderGoogle), profile.EmailAddress, *rec); err != nil {
		s.writeError(c, err)
		return
	}

	log.Printf("connected %s for user %s", profile.EmailAddress, userID)
	c.JSON(http.StatusOK, gin.H{"inboxId": profile.EmailAddress})
}

// handleDisconnect revokes the provider token and stops any running sync.
func (s *server) handleDisconnect(c *gin.Context) {
	user := currentUser(c)
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	provider := mailsync.ProviderName(req.Provider)

	ctx := c.Request.Context()
	store, err := s.openUserStore(user.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer store.Close()

	if rec, err := store.LoadToken(ctx, req.Provider, req.InboxID); err == nil && rec != nil {
		s.oauth.Revoke(ctx, rec.AccessToken)
	}
	if err := store.DeleteToken(ctx, req.Provider, req.InboxID); err != nil {
		s.writeError(c, err)
		return
	}
	_ = s.manager.StopSync(user.ID, req.InboxID, provider)

	c.JSON(http.StatusOK, gin.H{"disconnected": req.InboxID})
}

func (s *server) handleSyncStart(c *gin.Context) {
	user := currentUser(c)
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.manager.StartSync(context.Background(), mailsync.InboxConfig{
		UserID:   user.ID,
		InboxID:  req.InboxID,
		Provider: mailsync.ProviderName(req.Provider),
		Labels:   req.Labels,
	})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *server) handleSyncStop(c *gin.Context) {
	user := currentUser(c)
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.manager.StopSync(user.ID, req.InboxID, mailsync.ProviderName(req.Provider)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *server) handleSyncStatus(c *gin.Context) {
	user := currentUser(c)
	inboxID := c.Query("inboxId")
	provider := c.Query("provider")
	if inboxID == "" || provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "inboxId and provider are required"})
		return
	}

	store, err := s.openUserStore(user.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer store.Close()

	state, err := store.LoadSyncState(c.Request.Context(), provider, inboxID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{
		"running": s.manager.IsRunning(user.ID, inboxID, mailsync.ProviderName(provider)),
	}
	if state != nil {
		resp["status"] = state.Status
		resp["cursor"] = state.Cursor
		resp["lastError"] = state.LastError
		resp["lastSyncedAt"] = state.LastSyncedAt
	}
	c.JSON(http.StatusOK, resp)
}

type watchRequest struct {
	InboxID string   `json:"inboxId" binding:"required"`
	Topic   string   `json:"topic"`
	Labels  []string `json:"labels"`
}

// handleWatch (re)arms the provider-side push subscription that feeds
// /webhook/push. Google-only: Graph change notifications are out of scope.
func (s *server) handleWatch(c *gin.Context) {
	user := currentUser(c)
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}

	ctx := c.Request.Context()
	provider, store, err := s.providerFor(ctx, user.ID, mailsync.ProviderGoogle, req.InboxID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer store.Close()

	engine, ok := provider.(*gmail.Engine)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "push subscriptions are only supported for google inboxes"})
		return
	}

	historyID, err := engine.Watch(ctx, req.Topic, req.Labels)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"historyId": historyID})
}

func (s *server) handleWatchStop(c *gin.Context) {
	user := currentUser(c)
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	provider, store, err := s.providerFor(ctx, user.ID, mailsync.ProviderGoogle, req.InboxID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer store.Close()

	engine, ok := provider.(*gmail.Engine)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "push subscriptions are only supported for google inboxes"})
		return
	}

	if err := engine.StopWatch(ctx); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": req.InboxID})
}

func (s *server) handleSend(c *gin.Context) {
	user := currentUser(c)
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	provider, store, err := s.providerFor(ctx, user.ID, providerOrDefault(req.Provider), req.InboxID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer store.Close()

	receipt, err := provider.Send(ctx, mailsync.SendRequest{
		To: req.To, Cc: req.Cc, Bcc: req.Bcc,
		Subject: req.Subject, Body: req.Body, HTML: req.HTML,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.recordSent(ctx, store, user.ID, string(providerOrDefault(req.Provider)), receipt)
	c.JSON(http.StatusOK, receipt)
}

func (s *server) handleReply(c *gin.Context) {
	user := currentUser(c)
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	provider, store, err := s.providerFor(ctx, user.ID, providerOrDefault(req.Provider), req.InboxID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer store.Close()

	receipt, err := provider.Reply(ctx, mailsync.ReplyRequest{
		ThreadID: req.ThreadID, Body: req.Body, HTML: req.HTML, ReplyAll: req.ReplyAll,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.recordSent(ctx, store, user.ID, string(providerOrDefault(req.Provider)), receipt)
	c.JSON(http.StatusOK, receipt)
}

func (s *server) handleModifyLabels(c *gin.Context) {
	user := currentUser(c)
	var req modifyLabelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to modify"})
		return
	}

	ctx := c.Request.Context()
	provider, store, err := s.providerFor(ctx, user.ID, providerOrDefault(req.Provider), req.InboxID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer store.Close()

	if len(req.MessageIDs) == 1 {
		err = provider.ModifyLabels(ctx, req.MessageIDs[0], req.Add, req.Remove)
	} else {
		err = provider.BatchModifyLabels(ctx, req.MessageIDs, req.Add, req.Remove)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modified": len(req.MessageIDs)})
}

// handlePush verifies the webhook signature before touching the payload,
// then wakes the runner for the mailbox the notification names. Malformed
// or unverifiable deliveries are rejected so the sender stops retrying them.
func (s *server) handlePush(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := s.verifier.Verify(body, c.GetHeader("X-Signature")); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	notification, err := push.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kicked := s.manager.KickByInbox(notification.EmailAddress, mailsync.ProviderGoogle)
	if !kicked {
		log.Printf("push for %s dropped: no runner", notification.EmailAddress)
	}
	c.JSON(http.StatusOK, gin.H{"kicked": kicked, "historyId": notification.HistoryID})
}

func (s *server) openUserStore(userID string) (*sqlite.Store, error) {
	return sqlite.OpenUserDB(filepath.Join(s.dataRoot, "users", userID, "events.db"))
}

// providerFor builds a provider bound to a fresh access token for one
// request-scoped operation (send, reply, label modify).
func (s *server) providerFor(ctx context.Context, userID string, providerName mailsync.ProviderName, inboxID string) (mailsync.MailProvider, *sqlite.Store, error) {
	store, err := s.openUserStore(userID)
	if err != nil {
		return nil, nil, err
	}

	rec, err := store.LoadToken(ctx, string(providerName), inboxID)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	if rec == nil {
		store.Close()
		return nil, nil, mailerr.Newf(mailerr.KindConfigError, "inbox %s is not connected", inboxID)
	}

	access, refreshed, err := s.oauth.ValidAccessToken(ctx, *rec)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	if refreshed != nil {
		if err := store.SaveToken(ctx, string(providerName), inboxID, *refreshed); err != nil {
			store.Close()
			return nil, nil, err
		}
	}

	provider, err := s.factory(ctx, access, userID, providerName)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return provider, store, nil
}

// recordSent enqueues an email.sent event; publication failures surface in
// the outbox, never to the API caller.
func (s *server) recordSent(ctx context.Context, store *sqlite.Store, userID, provider string, receipt *mailsync.SendReceipt) {
	payload, err := encodeSentEvent(userID, provider, receipt)
	if err != nil {
		log.Printf("encode sent event: %v", err)
		return
	}
	subject := natsjs.SentSubject(provider, userID)
	msgID := "sent:" + receipt.ID
	if receipt.ID == "" {
		msgID = "sent:" + uuid.NewString()
	}
	if err := store.AppendOutbox(ctx, subject, natsjs.EventEmailSent, msgID, payload); err != nil {
		log.Printf("append sent event: %v", err)
	}
}

func encodeSentEvent(userID, provider string, receipt *mailsync.SendReceipt) ([]byte, error) {
	sentAt := receipt.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return json.Marshal(natsjs.SentEvent{
		EventType: natsjs.EventEmailSent,
		Provider:  provider,
		UserID:    userID,
		MessageID: receipt.ID,
		ThreadID:  receipt.ThreadID,
		SentAt:    sentAt,
	})
}

// writeError maps the error taxonomy onto HTTP statuses. Token problems the
// user can only fix by reconnecting come back as 409; transient provider
// trouble as 503 with a Retry-After hint.
func (s *server) writeError(c *gin.Context, err error) {
	kind := mailerr.KindOf(err)
	switch kind {
	case mailerr.KindInvalidRequest:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case mailerr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case mailerr.KindInvalidToken, mailerr.KindTokenRefreshFailed, mailerr.KindInsufficientScope:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "action": "reconnect"})
	case mailerr.KindRateLimited, mailerr.KindNetworkError:
		if retryAfter := mailerr.RetryAfter(err); retryAfter > 0 {
			c.Header("Retry-After", retryAfter.Round(time.Second).String())
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case mailerr.KindConfigError:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "action": "connect"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
