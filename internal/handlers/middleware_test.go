package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLogLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AccessLog(zap.New(core)))
	RegisterRoutes(router, &stubService{}, nil)

	doRequest(router, http.MethodGet, "/health", "", "")
	doRequest(router, http.MethodGet, "/alerts?limit=x", "", "")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 access log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected levels %v %v", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["status"] != int64(http.StatusBadRequest) {
		t.Fatalf("unexpected fields %v", entries[1].ContextMap())
	}
}
