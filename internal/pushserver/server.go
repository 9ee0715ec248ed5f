package pushserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/api"
	"github.com/petshop/pulse/internal/auth"
	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/metrics"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

const sessionKey = "session"

// Emitter delivers an envelope to connected clients, directly or through a
// shared stream.
type Emitter interface {
	Emit(ctx context.Context, env protocol.Envelope) error
}

// Emit publishes env on this hub only.
func (h *Hub) Emit(_ context.Context, env protocol.Envelope) error {
	h.Publish(env, "local")
	return nil
}

type ServerOptions struct {
	AllowedOrigins []string
	MetricsPath    string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type Server struct {
	hub            *Hub
	emitter        Emitter
	issuer         *auth.Issuer
	fixtures       *Fixtures
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	metricsPath    string
	log            *zap.Logger
	metrics        *metrics.Metrics
	upgrader       websocket.Upgrader
}

// NewServer wires the router. A nil emitter publishes straight to hub.
func NewServer(hub *Hub, emitter Emitter, issuer *auth.Issuer, fixtures *Fixtures, opts ServerOptions) *Server {
	if emitter == nil {
		emitter = hub
	}
	s := &Server{
		hub:            hub,
		emitter:        emitter,
		issuer:         issuer,
		fixtures:       fixtures,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		metricsPath:    opts.MetricsPath,
		log:            logging.OrNop(opts.Logger).Named("server"),
		metrics:        opts.Metrics,
	}
	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(s.recoveryMiddleware(), s.loggerMiddleware(), s.metrics.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.hub.ClientCount()})
	})
	if s.metricsPath != "" {
		r.GET(s.metricsPath, gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/ws", s.handleWS)
	r.POST("/api/auth/signin", s.handleSignIn)

	g := r.Group("/api", s.authMiddleware())
	g.GET("/products", func(c *gin.Context) { c.JSON(http.StatusOK, s.fixtures.Products()) })
	g.GET("/categories", func(c *gin.Context) { c.JSON(http.StatusOK, s.fixtures.Categories()) })
	g.GET("/events", func(c *gin.Context) { c.JSON(http.StatusOK, s.fixtures.Events()) })
	g.GET("/fundraising", func(c *gin.Context) { c.JSON(http.StatusOK, s.fixtures.Fundraising()) })
	g.GET("/donations", func(c *gin.Context) { c.JSON(http.StatusOK, s.fixtures.Donations()) })
	g.GET("/notifications", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.fixtures.Notifications(current(c).UserID))
	})
	g.GET("/adoption-requests", s.handleAdoptionRequests)

	admin := g.Group("", requireAdmin())
	admin.GET("/users", func(c *gin.Context) { c.JSON(http.StatusOK, s.fixtures.Users()) })
	admin.PATCH("/users/:id/status", s.handleUserStatus)
	admin.POST("/users/:id/password-reset", s.handlePasswordReset)
	admin.DELETE("/users/:id", s.handleDeleteUser)
	admin.POST("/publish", s.handlePublish)
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(c *gin.Context) {
	sess, err := s.authenticate(bearer(c.Request))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	cl, err := s.hub.AddClient(conn, sess.UserID)
	if err != nil {
		s.log.Warn("rejecting websocket client", zap.String("user", sess.UserID), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	go cl.readPump()
}

func (s *Server) handleSignIn(c *gin.Context) {
	var req api.SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := s.fixtures.Authenticate(req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	token, err := s.issuer.Issue(user.ID, user.Role, user.Status)
	if err != nil {
		s.log.Error("issue token", zap.String("user", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, api.SignInResponse{Token: token, User: user})
}

// handleAdoptionRequests scopes non-admins to requests they take part in.
func (s *Server) handleAdoptionRequests(c *gin.Context) {
	filter := api.AdoptionFilter{
		AdopterID: c.Query("adopterId"),
		ShelterID: c.Query("shelterId"),
	}
	sess := current(c)
	switch sess.Role {
	case session.Adopter:
		filter.AdopterID = sess.UserID
	case session.Shelter:
		filter.ShelterID = sess.UserID
	}
	c.JSON(http.StatusOK, s.fixtures.AdoptionRequests(filter))
}

func (s *Server) handleUserStatus(c *gin.Context) {
	var body struct {
		Status *session.Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Status == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}
	ev, err := s.fixtures.SetUserStatus(c.Param("id"), *body.Status)
	s.respondMutation(c, ev, err)
}

func (s *Server) handlePasswordReset(c *gin.Context) {
	var body struct {
		Password string `json:"password"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Password == "" {
		body.Password = DemoPassword
	}
	ev, err := s.fixtures.ResetPassword(c.Param("id"), body.Password)
	s.respondMutation(c, ev, err)
}

func (s *Server) handleDeleteUser(c *gin.Context) {
	ev, err := s.fixtures.DeleteUser(c.Param("id"))
	s.respondMutation(c, ev, err)
}

func (s *Server) respondMutation(c *gin.Context, ev protocol.Event, err error) {
	if errors.Is(err, ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.emit(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePublish accepts a raw envelope. Known topics must carry a valid
// payload; unknown topics pass through untouched.
func (s *Server) handlePublish(c *gin.Context) {
	var env protocol.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.HasPrefix(string(env.Topic), "$") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reserved topic"})
		return
	}
	if _, err := protocol.Decode(env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.emitter.Emit(c.Request.Context(), env); err != nil {
		s.log.Error("publish failed", zap.String("topic", string(env.Topic)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"topic": env.Topic})
}

func (s *Server) emit(ctx context.Context, ev protocol.Event) error {
	env, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return s.emitter.Emit(ctx, env)
}

// authenticate verifies token and checks that its user still exists.
func (s *Server) authenticate(token string) (session.Session, error) {
	if token == "" {
		return session.Session{}, auth.ErrInvalidToken
	}
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return session.Session{}, err
	}
	sess, err := claims.Session(token)
	if err != nil {
		return session.Session{}, err
	}
	if _, ok := s.fixtures.User(sess.UserID); !ok {
		return session.Session{}, ErrUserNotFound
	}
	return sess, nil
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := s.authenticate(bearer(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if current(c).Role != session.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		c.Next()
	}
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("panic recovered", zap.Any("error", err), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

func current(c *gin.Context) session.Session {
	v, _ := c.Get(sessionKey)
	sess, _ := v.(session.Session)
	return sess
}

// bearer extracts the token from the Authorization header or, for browser
// websocket clients that cannot set headers, the token query parameter.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins[origin] || s.allowedHosts[parsed.Host]
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
