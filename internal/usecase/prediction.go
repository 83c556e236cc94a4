package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/glof-monitor/internal/alerting"
	"github.com/example/glof-monitor/internal/imageprocessor"
	"github.com/example/glof-monitor/internal/logging"
	"github.com/example/glof-monitor/internal/notifier"
	"github.com/example/glof-monitor/internal/repository"
)

var (
	// ErrInvalidRequest marks requests rejected before any work is done.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned when no result exists for a request ID.
	ErrNotFound = repository.ErrNotFound
	// ErrPending is returned while a prediction is still being processed.
	ErrPending = errors.New("prediction in progress")
)

const (
	processingMarker = "processing"
	failedMarker     = "failed"
	resultTTL        = 10 * time.Minute
)

// Downloader fetches and decodes an image by URL.
type Downloader interface {
	Download(ctx context.Context, url string) (*imageprocessor.Image, error)
}

// RiskModel scores an image, returning risk level and confidence.
type RiskModel interface {
	Predict(ctx context.Context, img *imageprocessor.Image) (float64, float64, error)
}

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveAssessment(ctx context.Context, log *repository.PredictionLog, alert *repository.Alert) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	ListAlerts(ctx context.Context, limit int) ([]*repository.Alert, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Notifier pushes alert notifications.
type Notifier interface {
	Send(ctx context.Context, msg notifier.Message) error
}

// PredictRequest is one assessment request.
type PredictRequest struct {
	ImageURL  string
	Timestamp time.Time
	Location  alerting.Location
}

// AlertInfo describes a fired alert.
type AlertInfo struct {
	ID        string            `json:"id"`
	Location  alerting.Location `json:"location"`
	Severity  alerting.Severity `json:"risk_level"`
	RiskScore float64           `json:"risk_score"`
	Timestamp time.Time         `json:"timestamp"`
}

// PredictionResult is the risk assessment returned to callers.
type PredictionResult struct {
	RequestID           string                    `json:"request_id"`
	ImageURL            string                    `json:"image_url,omitempty"`
	RiskLevel           float64                   `json:"risk_level"`
	Confidence          float64                   `json:"confidence"`
	Severity            alerting.Severity         `json:"severity"`
	Timestamp           time.Time                 `json:"timestamp"`
	Location            alerting.Location         `json:"location"`
	Features            imageprocessor.FeatureSet `json:"features"`
	Metadata            *imageprocessor.Metadata  `json:"metadata,omitempty"`
	Alert               *AlertInfo                `json:"alert"`
	ProcessingLatencyMs float64                   `json:"processing_latency_ms"`
}

// PredictionUseCase runs the download, enhance, feature, predict and alert pipeline.
type PredictionUseCase struct {
	downloader     Downloader
	model          RiskModel
	alerts         *alerting.Evaluator
	repo           PredictionRepository
	cache          Cache
	notifier       Notifier
	slots          *semaphore.Weighted
	logger         *zap.Logger
	now            func() time.Time
	notifications  sync.WaitGroup
	notifyTimeout  time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Dependencies groups the collaborators of PredictionUseCase.
type Dependencies struct {
	Downloader Downloader
	Model      RiskModel
	Alerts     *alerting.Evaluator
	Repository PredictionRepository
	Cache      Cache
	// Notifier is optional.
	Notifier Notifier
	// InferenceConcurrency bounds in-flight model calls; values below 1 mean 1.
	InferenceConcurrency int
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(deps Dependencies, logger *zap.Logger) *PredictionUseCase {
	slots := deps.InferenceConcurrency
	if slots < 1 {
		slots = 1
	}
	return &PredictionUseCase{
		downloader:     deps.Downloader,
		model:          deps.Model,
		alerts:         deps.Alerts,
		repo:           deps.Repository,
		cache:          deps.Cache,
		notifier:       deps.Notifier,
		slots:          semaphore.NewWeighted(int64(slots)),
		logger:         logger.Named("prediction_usecase"),
		now:            time.Now,
		notifyTimeout:  30 * time.Second,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func resultKey(requestID string) string {
	return fmt.Sprintf("prediction:%s", requestID)
}

// Predict assesses GLOF risk for one image and location.
func (uc *PredictionUseCase) Predict(ctx context.Context, req PredictRequest) (*PredictionResult, error) {
	if strings.TrimSpace(req.ImageURL) == "" {
		return nil, fmt.Errorf("%w: image_url is required", ErrInvalidRequest)
	}
	if err := req.Location.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	started := uc.now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)
	cacheKey := resultKey(requestID)

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	result, err := uc.run(ctx, requestID, req, started, opLogger)
	if err != nil {
		if setErr := uc.cache.Set(context.Background(), cacheKey, failedMarker, time.Minute); setErr != nil {
			opLogger.Warn("failed to mark prediction as failed", zap.Error(setErr))
		}
		return nil, err
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		opLogger.Error("failed to serialize prediction result", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache prediction result", zap.Error(err))
	}

	opLogger.Info("prediction completed",
		zap.Float64("risk_level", result.RiskLevel),
		zap.Bool("alert", result.Alert != nil),
		zap.Float64("latency_ms", result.ProcessingLatencyMs),
	)
	return result, nil
}

func (uc *PredictionUseCase) run(ctx context.Context, requestID string, req PredictRequest, started time.Time, opLogger *zap.Logger) (*PredictionResult, error) {
	img, err := uc.downloader.Download(ctx, req.ImageURL)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.download_image", requestID, err)
		opLogger.Warn("image download failed", zap.Error(wrapped), zap.String("image_url", req.ImageURL))
		return nil, wrapped
	}

	metadata := imageprocessor.ExtractMetadata(img)
	enhanced := imageprocessor.Enhance(img)
	_, features := imageprocessor.DetectGlacialFeatures(enhanced)

	if err := uc.slots.Acquire(ctx, 1); err != nil {
		return nil, logging.NewOperationError("usecase.acquire_inference_slot", requestID, err)
	}
	risk, confidence, err := uc.model.Predict(ctx, enhanced)
	uc.slots.Release(1)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.predict_risk", requestID, err)
		opLogger.Error("risk prediction failed", zap.Error(wrapped))
		return nil, wrapped
	}

	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = uc.now().UTC()
	}
	result := &PredictionResult{
		RequestID:  requestID,
		ImageURL:   req.ImageURL,
		RiskLevel:  risk,
		Confidence: confidence,
		Severity:   alerting.SeverityFor(risk),
		Timestamp:  timestamp,
		Location:   req.Location,
		Features:   features,
		Metadata:   &metadata,
	}

	decision, err := uc.alerts.Evaluate(ctx, req.Location, risk)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.evaluate_alert", requestID, err)
		opLogger.Error("alert evaluation failed", zap.Error(wrapped))
		return nil, wrapped
	}

	createdAt := uc.now().UTC()
	var alert *repository.Alert
	if decision.Fire {
		alert = &repository.Alert{
			ID:        uuid.NewString(),
			RequestID: requestID,
			Latitude:  req.Location.Lat,
			Longitude: req.Location.Lon,
			RiskScore: risk,
			Severity:  string(decision.Severity),
			CreatedAt: createdAt,
		}
		result.Alert = &AlertInfo{
			ID:        alert.ID,
			Location:  req.Location,
			Severity:  decision.Severity,
			RiskScore: risk,
			Timestamp: createdAt,
		}
	}
	result.ProcessingLatencyMs = float64(uc.now().Sub(started).Microseconds()) / 1000

	log := &repository.PredictionLog{
		RequestID:           requestID,
		ImageURL:            req.ImageURL,
		Latitude:            req.Location.Lat,
		Longitude:           req.Location.Lon,
		RiskLevel:           risk,
		Confidence:          confidence,
		Severity:            string(result.Severity),
		ContourCount:        features.ContourCount,
		TotalArea:           features.TotalArea,
		MaxContourArea:      features.MaxContourArea,
		AlertFired:          alert != nil,
		ProcessingLatencyMs: result.ProcessingLatencyMs,
		ObservedAt:          timestamp,
		CreatedAt:           createdAt,
	}
	if err := uc.repo.SaveAssessment(ctx, log, alert); err != nil {
		wrapped := logging.NewOperationError("usecase.save_assessment", requestID, err)
		opLogger.Error("failed to persist assessment", zap.Error(wrapped))
		if relErr := uc.alerts.Release(context.WithoutCancel(ctx), decision); relErr != nil {
			opLogger.Error("failed to release alert cooldown", zap.Error(relErr), zap.String("location_key", decision.Key))
		}
		return nil, wrapped
	}

	if result.Alert != nil {
		opLogger.Warn("glof alert fired",
			zap.String("alert_id", result.Alert.ID),
			zap.String("severity", string(decision.Severity)),
			zap.String("location_key", decision.Key),
		)
		uc.notify(requestID, result.Alert)
	} else {
		opLogger.Debug("no alert", zap.String("reason", decision.Reason))
	}
	return result, nil
}

func (uc *PredictionUseCase) notify(requestID string, alert *AlertInfo) {
	if uc.notifier == nil {
		return
	}
	msg := notifier.Message{
		Title: fmt.Sprintf("GLOF alert: %s risk", alert.Severity),
		Body:  fmt.Sprintf("Risk %.2f at %.4f, %.4f", alert.RiskScore, alert.Location.Lat, alert.Location.Lon),
		Data: map[string]string{
			"alert_id":   alert.ID,
			"request_id": requestID,
			"severity":   string(alert.Severity),
			"risk_score": fmt.Sprintf("%.4f", alert.RiskScore),
		},
	}
	uc.notifications.Add(1)
	go func() {
		defer uc.notifications.Done()
		ctx, cancel := context.WithTimeout(context.Background(), uc.notifyTimeout)
		defer cancel()
		if err := uc.notifier.Send(ctx, msg); err != nil {
			logging.WithOperation(uc.logger, "usecase.notify_alert", requestID).Error("alert notification failed", zap.Error(err))
		}
	}()
}

// WaitNotifications blocks until in-flight alert notifications finish.
func (uc *PredictionUseCase) WaitNotifications() {
	uc.notifications.Wait()
}

// GetResult retrieves a cached prediction outcome or loads from persistence.
func (uc *PredictionUseCase) GetResult(ctx context.Context, requestID string) (*PredictionResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID))
	switch {
	case err == nil && cached == processingMarker:
		return nil, ErrPending
	case err == nil && cached == failedMarker:
		return nil, ErrNotFound
	case err == nil:
		var result PredictionResult
		if err := json.Unmarshal([]byte(cached), &result); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &result, nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return resultFromLog(log), nil
}

func resultFromLog(log *repository.PredictionLog) *PredictionResult {
	result := &PredictionResult{
		RequestID:  log.RequestID,
		ImageURL:   log.ImageURL,
		RiskLevel:  log.RiskLevel,
		Confidence: log.Confidence,
		Severity:   alerting.Severity(log.Severity),
		Timestamp:  log.ObservedAt,
		Location:   alerting.Location{Lat: log.Latitude, Lon: log.Longitude},
		Features: imageprocessor.FeatureSet{
			ContourCount:   log.ContourCount,
			TotalArea:      log.TotalArea,
			MaxContourArea: log.MaxContourArea,
		},
		ProcessingLatencyMs: log.ProcessingLatencyMs,
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = log.CreatedAt
	}
	return result
}

const (
	DefaultAlertLimit = 50
	MaxAlertLimit     = 500
)

// ListAlerts returns the most recent alerts. limit is clamped to
// [1, MaxAlertLimit]; zero selects DefaultAlertLimit.
func (uc *PredictionUseCase) ListAlerts(ctx context.Context, limit int) ([]AlertInfo, error) {
	switch {
	case limit == 0:
		limit = DefaultAlertLimit
	case limit < 1:
		limit = 1
	case limit > MaxAlertLimit:
		limit = MaxAlertLimit
	}
	rows, err := uc.repo.ListAlerts(ctx, limit)
	if err != nil {
		return nil, err
	}
	alerts := make([]AlertInfo, 0, len(rows))
	for _, a := range rows {
		alerts = append(alerts, AlertInfo{
			ID:        a.ID,
			Location:  alerting.Location{Lat: a.Latitude, Lon: a.Longitude},
			Severity:  alerting.Severity(a.Severity),
			RiskScore: a.RiskScore,
			Timestamp: a.CreatedAt,
		})
	}
	return alerts, nil
}

func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
