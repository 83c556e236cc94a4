package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/glof-monitor/internal/alerting"
	"github.com/example/glof-monitor/internal/imageprocessor"
	"github.com/example/glof-monitor/internal/logging"
	"github.com/example/glof-monitor/internal/predictor"
	"github.com/example/glof-monitor/internal/usecase"
)

// MaxRequestSize bounds JSON request bodies.
const MaxRequestSize = 64 << 10

// StatusClientClosedRequest is reported when the caller went away mid-request.
const StatusClientClosedRequest = 499

// PredictionService is the subset of the use case served over HTTP.
type PredictionService interface {
	Predict(ctx context.Context, req usecase.PredictRequest) (*usecase.PredictionResult, error)
	GetResult(ctx context.Context, requestID string) (*usecase.PredictionResult, error)
	ListAlerts(ctx context.Context, limit int) ([]usecase.AlertInfo, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type predictRequest struct {
	ImageURL  string             `json:"image_url"`
	Timestamp *time.Time         `json:"timestamp"`
	Location  *alerting.Location `json:"location"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. A nil
// authMiddleware leaves every route public.
func RegisterRoutes(router *gin.Engine, svc PredictionService, authMiddleware gin.HandlerFunc) {
	protected := []gin.HandlerFunc{}
	if authMiddleware != nil {
		protected = append(protected, authMiddleware)
	}
	with := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, protected...), h)
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Welcome to GLOF Monitoring System API"})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/predict", with(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestSize)

		var body predictRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				abortWithError(c, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			abortWithError(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		if strings.TrimSpace(body.ImageURL) == "" {
			abortWithError(c, http.StatusBadRequest, "bad_request", "image_url is required")
			return
		}
		if body.Location == nil {
			abortWithError(c, http.StatusBadRequest, "bad_request", "location is required")
			return
		}
		if err := body.Location.Validate(); err != nil {
			abortWithError(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}

		req := usecase.PredictRequest{ImageURL: body.ImageURL, Location: *body.Location}
		if body.Timestamp != nil {
			req.Timestamp = *body.Timestamp
		}
		result, err := svc.Predict(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})...)

	router.GET("/alerts", func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				abortWithError(c, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
				return
			}
			limit = n
		}
		alerts, err := svc.ListAlerts(c.Request.Context(), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"alerts": alerts})
	})

	router.GET("/predictions/:id", with(func(c *gin.Context) {
		requestID := c.Param("id")
		result, err := svc.GetResult(c.Request.Context(), requestID)
		if errors.Is(err, usecase.ErrPending) {
			c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "status": "processing"})
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})...)

	router.GET("/metrics/summary", with(func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})...)
}

// errorStatus maps a pipeline error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var dlErr *imageprocessor.DownloadError
	var predErr *predictor.PredictionError
	switch {
	case errors.Is(err, usecase.ErrInvalidRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, usecase.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "canceled"
	case errors.As(err, &dlErr):
		if dlErr.Kind == imageprocessor.DownloadDecode || dlErr.Kind == imageprocessor.DownloadTooLarge {
			return http.StatusUnprocessableEntity, "invalid_image"
		}
		return http.StatusBadGateway, "download_failed"
	case errors.As(err, &predErr):
		if predErr.Kind == predictor.InvalidInput {
			return http.StatusUnprocessableEntity, "invalid_input"
		}
		return http.StatusInternalServerError, "prediction_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if code == "internal" {
		message = "internal server error"
	}
	_ = c.Error(err)
	body := gin.H{"error": message, "code": code}
	if requestID := logging.RequestIDOf(err); requestID != "" {
		body["request_id"] = requestID
	}
	c.AbortWithStatusJSON(status, body)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}
