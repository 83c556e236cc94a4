// Package notifier delivers alert push notifications.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

// Message is a push notification addressed to the configured topic.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// FCM sends notifications through the Firebase Cloud Messaging legacy HTTP API.
type FCM struct {
	ServerKey string
	Topic     string
	Endpoint  string
	HTTP      *http.Client

	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

func NewFCM(serverKey, topic string, logger *zap.Logger) *FCM {
	return &FCM{
		ServerKey: serverKey,
		Topic:     topic,
		Endpoint:  defaultFCMEndpoint,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
		attempts:  3,
		backoff:   500 * time.Millisecond,
		logger:    logger.Named("fcm"),
	}
}

func (f *FCM) Enabled() bool {
	return f.ServerKey != "" && f.Topic != ""
}

type fcmPayload struct {
	To           string            `json:"to"`
	Priority     string            `json:"priority"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("fcm status %d: %s", e.code, e.body)
}

// Send posts msg to the topic, retrying network failures and 5xx/429
// responses with linear backoff.
func (f *FCM) Send(ctx context.Context, msg Message) error {
	if !f.Enabled() {
		return errors.New("fcm not configured")
	}
	b, err := json.Marshal(fcmPayload{
		To:           "/topics/" + f.Topic,
		Priority:     "high",
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err = f.post(ctx, b)
		if err == nil {
			return nil
		}
		var se *statusError
		retryable := !errors.As(err, &se) || se.code >= 500 || se.code == http.StatusTooManyRequests
		if !retryable || attempt >= f.attempts {
			return err
		}
		f.logger.Warn("fcm send failed, retrying", zap.Error(err), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * f.backoff):
		}
	}
}

func (f *FCM) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.ServerKey)
	res, err := f.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return &statusError{code: res.StatusCode, body: string(resp)}
	}
	return nil
}
