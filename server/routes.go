package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/version"
)

const requestIDHeader = "X-Request-Id"

type Server struct {
	addr  net.Addr
	cache *indexCache
}

func NewServer(addr net.Addr) (*Server, error) {
	cache, err := newIndexCache(int(envconfig.CacheSize()))
	if err != nil {
		return nil, err
	}
	return &Server{addr: addr, cache: cache}, nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With", requestIDHeader}
	config.ExposeHeaders = []string{requestIDHeader}
	config.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.Use(
		cors.New(config),
		requestID(),
	)

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "constrain is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "constrain is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })

	r.POST("/api/regex", s.RegexHandler)
	r.POST("/api/index", s.IndexHandler)
	r.GET("/api/index/:id", s.IndexBinaryHandler)

	return r
}

func bindJSON(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	switch {
	case errors.Is(err, io.EOF):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return false
	case err != nil:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) RegexHandler(c *gin.Context) {
	var req api.RegexRequest
	if !bindJSON(c, &req) {
		return
	}

	if len(req.Schema) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "schema is required"})
		return
	}

	re, err := Regex(&req)
	if err != nil {
		c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, api.RegexResponse{Regex: re})
}

func (s *Server) IndexHandler(c *gin.Context) {
	var req api.IndexRequest
	if !bindJSON(c, &req) {
		return
	}

	j, err := newIndexJob(&req)
	if err != nil {
		c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	key, err := j.key()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	idx, cached, err := s.cache.get(key, j.build)
	if err != nil {
		slog.Debug("index failed", "request", c.GetString("request_id"), "error", err)
		c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	slog.Info("index", "request", c.GetString("request_id"), "id", key, "states", len(idx.States()), "cached", cached)

	resp := api.IndexResponse{
		ID:           key,
		Regex:        j.regex,
		InitialState: idx.InitialState(),
		FinalStates:  idx.Finals(),
		States:       len(idx.States()),
		Edges:        idx.Edges(),
		VocabSize:    idx.VocabSize(),
		Cached:       cached,
	}
	if req.Transitions {
		resp.Transitions = idx.Mapping()
	}

	c.JSON(http.StatusOK, resp)
}

// IndexBinaryHandler writes a cached index in its CBOR encoding.
func (s *Server) IndexBinaryHandler(c *gin.Context) {
	idx, ok := s.cache.lookup(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("index %q not found", c.Param("id"))})
		return
	}

	b, err := idx.MarshalBinary()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/cbor", b)
}

func Serve(ctx context.Context, ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	if envconfig.LogLevel() <= slog.LevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s, err := NewServer(ln.Addr())
	if err != nil {
		return err
	}

	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down", "cached", s.cache.count())
		srvr.Shutdown(context.Background())
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	err = srvr.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
