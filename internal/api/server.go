// Package api exposes the reconstruction engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"mprview/internal/logging"
	"mprview/internal/models"
	"mprview/pkg/engine"
)

// NewRouter creates the gin engine serving every endpoint under /api.
// A positive timeout bounds each request through its context.
func NewRouter(svc *engine.Service, timeout time.Duration, logger log.Interface) *gin.Engine {
	logger = logging.OrDefault(logger)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	if timeout > 0 {
		r.Use(requestTimeout(timeout))
	}

	grp := r.Group("/api")
	SeriesEndpoint(grp, svc)
	ReformatEndpoint(grp, svc)
	MeshEndpoint(grp, svc)
	JobEndpoint(grp, svc)
	CacheEndpoint(grp, svc)
	PresetsEndpoint(grp)
	return r
}

// requestLogger logs every request once it was served
func requestLogger(logger log.Interface) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		entry := logger.WithFields(log.Fields{
			"method":   ctx.Request.Method,
			"path":     ctx.Request.URL.Path,
			"status":   ctx.Writer.Status(),
			"duration": time.Since(start),
		})
		if len(ctx.Errors) > 0 {
			entry.WithError(ctx.Errors.Last()).Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}

func requestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
		defer cancel()
		ctx.Request = ctx.Request.WithContext(c)
		ctx.Next()
	}
}

// statusOf maps engine errors to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrSeriesNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidRequest), errors.Is(err, models.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientData),
		errors.Is(err, models.ErrDecodeFailure),
		errors.Is(err, models.ErrMeshExtraction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

// abortRequest records err on the context and replies with a JSON error body.
// A zero status is derived from the error.
func abortRequest(ctx *gin.Context, status int, err error) {
	if status == 0 {
		status = statusOf(err)
	}
	_ = ctx.Error(err)
	ctx.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
