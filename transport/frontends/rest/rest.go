// Package rest exposes a cache partition over HTTP/JSON:
//
//	GET    /v1/keys/:key      read a value
//	HEAD   /v1/keys/:key      check for a value
//	PUT    /v1/keys/:key      store a value, body {"value": "...", "expiry_ms": 0}
//	DELETE /v1/keys/:key      remove a value
//	POST   /v1/batch/delete   remove several values, body {"keys": [...]}
//	DELETE /v1/keys           remove every value
//
// Keys must be path-escaped by the caller.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jrife/kvcache/stateful_services"
	"github.com/jrife/kvcache/transport"
	"github.com/jrife/kvcache/transport/cachepb"
	"github.com/jrife/kvcache/transport/frontends"
	"github.com/jrife/kvcache/utils/log"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var _ frontends.CacheFrontend = (*Frontend)(nil)

// Frontend is an implementation of
// CacheFrontend for REST
type Frontend struct {
	server     transport.CacheServer
	logger     *zap.Logger
	retryAfter time.Duration
	httpServer *http.Server
}

type setBody struct {
	Value        string `json:"value"`
	ExpiryMillis int64  `json:"expiry_ms"`
}

type keysBody struct {
	Keys []string `json:"keys" binding:"required"`
}

type valueResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type resultResponse struct {
	Result bool `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Init initializes the frontend
func (frontend *Frontend) Init(options frontends.Options) error {
	if options.Server == nil {
		return errors.New("a cache server is required")
	}

	options = options.Defaults()
	frontend.server = options.Server
	frontend.logger = options.Logger
	frontend.retryAfter = options.RetryAfter
	frontend.httpServer = &http.Server{
		Handler:           frontend.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

// Handler returns the HTTP handler serving the API
func (frontend *Frontend) Handler() http.Handler {
	engine := gin.New()
	engine.UseRawPath = true
	engine.UnescapePathValues = true
	engine.Use(gin.Recovery(), frontend.logRequests)

	v1 := engine.Group("/v1")
	v1.GET("/keys/:key", frontend.get)
	v1.HEAD("/keys/:key", frontend.exists)
	v1.PUT("/keys/:key", frontend.set)
	v1.DELETE("/keys/:key", frontend.delete)
	v1.POST("/batch/delete", frontend.deleteMany)
	v1.DELETE("/keys", frontend.clearAll)

	return engine
}

// Listen accepts connections from this listener
func (frontend *Frontend) Listen(listener net.Listener) error {
	if err := frontend.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop stops accepting connections from listeners and causes
// all calls to Listen to return
func (frontend *Frontend) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return frontend.httpServer.Shutdown(ctx)
}

func (frontend *Frontend) logRequests(c *gin.Context) {
	ctx := log.WithRequestID(c.Request.Context())
	ctx = log.WithFields(ctx, zap.String("method", c.Request.Method), zap.String("path", c.FullPath()))
	logger := log.WithContext(ctx, frontend.logger)
	c.Request = c.Request.WithContext(log.WithLogger(ctx, logger))
	start := time.Now()

	c.Next()

	logger.Debug("request",
		zap.Int("status", c.Writer.Status()),
		zap.Duration("duration", time.Since(start)))
}

func (frontend *Frontend) fail(c *gin.Context, err error) {
	var opErr *stateful_services.OpError
	code := http.StatusInternalServerError

	switch {
	case errors.Is(err, stateful_services.ErrNotReady):
		code = http.StatusServiceUnavailable
		c.Header("Retry-After", strconv.Itoa(int((frontend.retryAfter+time.Second-1)/time.Second)))
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		code = 499
	case errors.As(err, &opErr):
		code = http.StatusInternalServerError
	}

	if c.Request.Method == http.MethodHead {
		c.Status(code)

		return
	}

	c.JSON(code, errorResponse{Error: err.Error()})
}

func (frontend *Frontend) get(c *gin.Context) {
	key := c.Param("key")
	value, found, err := frontend.server.StringGet(c.Request.Context(), key)

	if err != nil {
		frontend.fail(c, err)

		return
	}

	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})

		return
	}

	c.JSON(http.StatusOK, valueResponse{Key: key, Value: value})
}

func (frontend *Frontend) exists(c *gin.Context) {
	exists, err := frontend.server.KeyExists(c.Request.Context(), c.Param("key"))

	if err != nil {
		frontend.fail(c, err)

		return
	}

	if !exists {
		c.Status(http.StatusNotFound)

		return
	}

	c.Status(http.StatusOK)
}

func (frontend *Frontend) set(c *gin.Context) {
	var body setBody

	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	req := cachepb.SetRequest{Key: c.Param("key"), Value: body.Value, ExpiryMillis: body.ExpiryMillis}
	ok, err := frontend.server.StringSet(c.Request.Context(), req.Key, req.Value, req.Expiry())

	if err != nil {
		frontend.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, resultResponse{Result: ok})
}

func (frontend *Frontend) delete(c *gin.Context) {
	removed, err := frontend.server.KeyDelete(c.Request.Context(), c.Param("key"))

	if err != nil {
		frontend.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, resultResponse{Result: removed})
}

func (frontend *Frontend) deleteMany(c *gin.Context) {
	var body keysBody

	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	ok, err := frontend.server.KeysDelete(c.Request.Context(), body.Keys)

	if err != nil {
		frontend.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, resultResponse{Result: ok})
}

func (frontend *Frontend) clearAll(c *gin.Context) {
	if err := frontend.server.ClearAll(c.Request.Context()); err != nil {
		frontend.fail(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}
