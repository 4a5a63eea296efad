package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/auth"
	"rollcall/internal/bioclient"
	"rollcall/internal/config"
	"rollcall/internal/directory"
	"rollcall/internal/fanout"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/identity"
	"rollcall/internal/linkmark"
	"rollcall/internal/livestats"
	"rollcall/internal/queue"
	"rollcall/internal/record"
	"rollcall/internal/session"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(context.Background(), db.Client); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:notify")
	}

	precedence, err := identity.ParsePrecedence(cfg.ResolvePrecedence)
	if err != nil {
		log.Printf("%v, using directory-first", err)
		precedence = identity.PrecedenceDirectory
	}

	dir := directory.NewRepo(db.Client)
	roster := identity.NewMemoryRoster()
	bio := bioclient.New(cfg.BioServiceURL, cfg.BioSkip)
	resolver := identity.NewResolver(dir, roster, bio, precedence)

	stats := livestats.NewAggregator()
	sessions := session.NewManager(session.NewPGStore(db.Client), stats)
	recordStore := record.NewPGStore(db.Client)
	pub := fanout.NewPublisher(cfg.SubscriberBuffer)
	links := linkmark.NewIssuer()
	defer links.Stop()

	ctx := context.Background()

	sessions.SetOnChange(func(s *session.Session, summary *session.Summary) {
		pub.Publish(s.ID, fanout.EventSessionStateChanged, gin.H{"session": s, "summary": summary})
		if s.Status.Terminal() {
			if body, err := json.Marshal(gin.H{"session": s, "summary": summary}); err == nil {
				if err := q.Publish(ctx, queue.Message{Type: "session.completed", Body: body}); err != nil {
					log.Printf("queue publish failed: %v", err)
				}
			}
			pub.CloseSession(s.ID)
			stats.Drop(s.ID)
			roster.Drop(s.ID)
		}
	})

	notify := func(ctx context.Context, rec *record.Record) error {
		body, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return q.Publish(ctx, queue.Message{Type: "record.created", Body: body})
	}
	recorder := record.NewService(sessions, resolver, recordStore, stats, pub, notify)

	if err := sessions.LoadActive(ctx); err != nil {
		log.Printf("warning: %v", err)
	} else if err := restoreStats(ctx, sessions, recordStore, stats); err != nil {
		log.Printf("warning: restore stats: %v", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch req.Role {
		case auth.RoleLecturer, auth.RoleInvigilator, auth.RoleDevice:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		tokens, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	staff := auth.RequireRole(auth.RoleLecturer, auth.RoleInvigilator)

	authGroup.POST("/sessions", staff, func(c *gin.Context) {
		var req struct {
			CourseCode    string                 `json:"course_code" binding:"required"`
			CourseName    string                 `json:"course_name"`
			LecturerName  string                 `json:"lecturer_name"`
			DeviceID      string                 `json:"device_id" binding:"required"`
			ExpectedCount int                    `json:"expected_student_count"`
			Notes         string                 `json:"notes"`
			Roster        []identity.RosterEntry `json:"roster"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := sessions.Start(c.Request.Context(), session.StartInput{
			CourseCode:    req.CourseCode,
			CourseName:    req.CourseName,
			LecturerName:  req.LecturerName,
			DeviceID:      req.DeviceID,
			ExpectedCount: req.ExpectedCount,
			Notes:         req.Notes,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stats.Open(s.ID, s.ExpectedCount)
		if len(req.Roster) > 0 {
			roster.Load(s.ID, req.Roster)
		}
		c.JSON(http.StatusCreated, gin.H{"session": s})
	})

	authGroup.POST("/sessions/:id/transition", staff, func(c *gin.Context) {
		var req struct {
			Target string `json:"target" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, summary, err := sessions.Transition(c.Request.Context(), c.Param("id"), session.Status(req.Target), auth.Actor(c))
		if err != nil {
			switch {
			case errors.Is(err, session.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, session.ErrTerminal), errors.Is(err, session.ErrIllegalTransition):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			}
			return
		}
		resp := gin.H{"session": s}
		if summary != nil {
			resp["summary"] = gin.H{
				"total_recorded": summary.TotalRecorded,
				"confirmed":      summary.Confirmed,
				"duration_sec":   int(summary.Duration.Seconds()),
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/v1/sessions/:id", func(c *gin.Context) {
		s, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": s})
	})

	authGroup.POST("/sessions/:id/records", func(c *gin.Context) {
		var req struct {
			Method      identity.Method `json:"method" binding:"required"`
			QR          json.RawMessage `json:"qr"`
			IndexNumber string          `json:"index_number"`
			Template    string          `json:"template"`
			Provider    string          `json:"provider"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var payload identity.Payload
		switch req.Method {
		case identity.MethodQR:
			payload = identity.QRPayload{Raw: req.QR}
		case identity.MethodManual:
			payload = identity.ManualPayload{IndexNumber: req.IndexNumber}
		case identity.MethodFingerprint:
			payload = identity.BiometricPayload{Template: req.Template, Provider: req.Provider, Modality: identity.ModalityFingerprint}
		case identity.MethodFace:
			payload = identity.BiometricPayload{Template: req.Template, Provider: req.Provider, Modality: identity.ModalityFace}
		case identity.MethodLink:
			c.JSON(http.StatusBadRequest, gin.H{"error": "self-mark goes through /v1/marks"})
			return
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown method"})
			return
		}
		out, err := recorder.Record(c.Request.Context(), c.Param("id"), payload)
		if err != nil {
			recordError(c, sessions, c.Param("id"), err)
			return
		}
		c.JSON(http.StatusOK, out)
	})

	authGroup.POST("/records/:id/confirm", staff, func(c *gin.Context) {
		rec, err := recorder.Confirm(c.Request.Context(), c.Param("id"), auth.Actor(c))
		if err != nil {
			switch {
			case errors.Is(err, record.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, record.ErrSessionClosed):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	})

	r.GET("/v1/sessions/:id/stats", func(c *gin.Context) {
		snap, ok := stats.Snapshot(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no live stats for session"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	authGroup.POST("/sessions/:id/links", staff, func(c *gin.Context) {
		var req struct {
			TTLSeconds int                `json:"ttl_seconds"`
			MaxUses    int                `json:"max_uses"`
			Geofence   *linkmark.Geofence `json:"geofence"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := c.Param("id")
		s, err := sessions.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if s.Status.Terminal() {
			c.JSON(http.StatusConflict, gin.H{"error": "session has ended"})
			return
		}
		ttl := cfg.LinkDefaultTTL
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}
		maxUses := cfg.LinkDefaultUses
		if req.MaxUses > 0 {
			maxUses = req.MaxUses
		}
		c.JSON(http.StatusCreated, links.Issue(id, ttl, maxUses, req.Geofence))
	})

	markLimiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin/4, cfg.RateLimitPerMin/4)
	r.POST("/v1/marks", markLimiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			Token       string   `json:"token" binding:"required"`
			IndexNumber string   `json:"index_number" binding:"required"`
			Lat         *float64 `json:"lat"`
			Lng         *float64 `json:"lng"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sessionID, err := links.Redeem(req.Token, req.Lat, req.Lng)
		if err != nil {
			status := http.StatusForbidden
			if errors.Is(err, linkmark.ErrLocationRequired) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		out, err := recorder.Record(c.Request.Context(), sessionID, identity.LinkPayload{
			Token:       req.Token,
			IndexNumber: req.IndexNumber,
		})
		if err != nil {
			recordError(c, sessions, sessionID, err)
			return
		}
		c.JSON(http.StatusOK, out)
	})

	authGroup.PUT("/students/:index", staff, func(c *gin.Context) {
		var req struct {
			FullName string  `json:"full_name" binding:"required"`
			Program  *string `json:"program"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		index := identity.NormalizeIndex(c.Param("index"))
		if err := dir.Upsert(c.Request.Context(), index, req.FullName, req.Program); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"index_number": index})
	})

	r.GET("/v1/sessions/:id/live", liveHandler(sessions, stats, pub))

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// recordError maps recording-service failures onto the caller-visible
// taxonomy: malformed payloads are client errors, unresolved identities are
// retryable via another channel, state conflicts carry the current status.
func recordError(c *gin.Context, sessions *session.Manager, sessionID string, err error) {
	switch {
	case errors.Is(err, identity.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, record.ErrIdentityNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "IDENTITY_NOT_FOUND", "error": "no student matched; try another verification method"})
	case errors.Is(err, record.ErrSessionPaused), errors.Is(err, record.ErrSessionClosed):
		status := ""
		if s, gerr := sessions.Get(c.Request.Context(), sessionID); gerr == nil {
			status = string(s.Status)
		}
		c.JSON(http.StatusConflict, gin.H{"code": "SESSION_NOT_RECORDING", "status": status, "error": err.Error()})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, context.Canceled):
		// Caller went away while waiting for the session lock.
		c.Status(499)
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// liveHandler upgrades the connection and attaches it as a session
// subscriber: snapshot first, then deltas in commit order. Subscribing
// happens inside the session critical section so the snapshot and the
// first delta can never miss or double-count a record.
func liveHandler(sessions *session.Manager, stats *livestats.Aggregator, pub *fanout.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		var sub *fanout.Subscriber
		var snap livestats.Stats
		err = sessions.WithSession(c.Request.Context(), id, func(ctx context.Context, s *session.Session) error {
			sub, _ = pub.Subscribe(id)
			snap, _ = stats.Snapshot(id)
			return nil
		})
		if err != nil {
			_ = conn.WriteJSON(gin.H{"type": "error", "error": err.Error()})
			_ = conn.Close()
			return
		}

		// Writer: snapshot, then the ordered event stream.
		go func() {
			defer conn.Close()
			if err := conn.WriteJSON(gin.H{"type": "snapshot", "stats": snap}); err != nil {
				return
			}
			for evt := range sub.Events() {
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			}
		}()

		// Reader: detects disconnect and tears the subscription down.
		go func() {
			defer pub.Unsubscribe(sub)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// restoreStats rebuilds live counters for sessions that survived a restart.
func restoreStats(ctx context.Context, sessions *session.Manager, recs *record.PGStore, stats *livestats.Aggregator) error {
	active, err := sessions.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, s := range active {
		byMethod, confirmed, err := recs.MethodCounts(ctx, s.ID)
		if err != nil {
			return err
		}
		stats.Restore(s.ID, s.ExpectedCount, byMethod, confirmed)
	}
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
