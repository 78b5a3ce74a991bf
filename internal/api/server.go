package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"perpbot/internal/bot"
	"perpbot/internal/journal"
	"perpbot/internal/state"
)

// PositionReader exposes the live position view to the API.
type PositionReader interface {
	Positions(ctx context.Context) ([]state.Position, error)
}

// Server is the local control surface for the trading engine: start, stop,
// and inspect. It never takes trading decisions itself.
type Server struct {
	engine    *bot.Engine
	positions PositionReader
	journal   *journal.Journal
	secret    string

	// baseCtx scopes engines started over the API so they outlive the
	// request that started them.
	baseCtx context.Context
}

// NewServer wires the control API. baseCtx bounds the lifetime of anything
// the API starts.
func NewServer(baseCtx context.Context, engine *bot.Engine, positions PositionReader, j *journal.Journal, secret string) *Server {
	return &Server{baseCtx: baseCtx, engine: engine, positions: positions, journal: j, secret: secret}
}

// Router builds the gin handler. When a secret is configured every route
// requires a bearer token signed with it.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	g := r.Group("/api/v1")
	if s.secret != "" {
		g.Use(s.authRequired())
	}
	g.POST("/start", s.handleStart)
	g.POST("/stop", s.handleStop)
	g.GET("/status", s.handleStatus)
	g.GET("/positions", s.handlePositions)
	g.GET("/events", s.handleEvents)
	return r
}

// Run serves the API until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.secret), nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.engine.Start(s.baseCtx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) handleStop(c *gin.Context) {
	s.engine.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.engine.Status()
	resp := gin.H{"engine": status}
	if s.journal != nil {
		resp["stats"] = s.journal.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.positions.Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	evs, err := s.journal.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}
