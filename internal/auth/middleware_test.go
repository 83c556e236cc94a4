package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func newRouter(audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", JWTMiddleware(testSecret, audience), func(c *gin.Context) {
		user, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, user)
	})
	return r
}

func call(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestJWTMiddlewareAcceptsIssuedToken(t *testing.T) {
	token, err := IssueToken(testSecret, "operator-1", "", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp := call(newRouter(""), "Bearer "+token)
	if resp.Code != http.StatusOK || resp.Body.String() != "operator-1" {
		t.Fatalf("expected subject to be injected, got %d %q", resp.Code, resp.Body.String())
	}
}

func TestJWTMiddlewareRejections(t *testing.T) {
	expired, _ := IssueToken(testSecret, "u", "", -time.Minute)
	wrongSecret, _ := IssueToken("other", "u", "", time.Hour)
	wrongAudience, _ := IssueToken(testSecret, "u", "someone-else", time.Hour)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u"}).SignedString([]byte(testSecret))
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}).SignedString([]byte(testSecret))

	cases := map[string]string{
		"missing header":   "",
		"not bearer":       "Basic abc",
		"empty token":      "Bearer ",
		"expired":          "Bearer " + expired,
		"wrong secret":     "Bearer " + wrongSecret,
		"wrong audience":   "Bearer " + wrongAudience,
		"no expiry":        "Bearer " + noExpiry,
		"non-HS256 method": "Bearer " + hs512,
	}
	r := newRouter("glof-monitor")
	for name, header := range cases {
		if resp := call(r, header); resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.Code)
		}
	}
}

func TestIssueTokenRequiresSecretAndSubject(t *testing.T) {
	if _, err := IssueToken("", "u", "", time.Hour); err == nil {
		t.Fatal("expected error for missing secret")
	}
	if _, err := IssueToken(testSecret, "", "", time.Hour); err == nil {
		t.Fatal("expected error for missing subject")
	}
}
