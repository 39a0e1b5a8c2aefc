package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/p", JWTAuth("secret"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	})

	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer " + sign(t, "secret", jwt.MapClaims{"client_id": "desk", "exp": exp}), want: http.StatusOK},
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + sign(t, "other", jwt.MapClaims{"client_id": "desk", "exp": exp}), want: http.StatusUnauthorized},
		{name: "missing client id", header: "Bearer " + sign(t, "secret", jwt.MapClaims{"exp": exp}), want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + sign(t, "secret", jwt.MapClaims{"client_id": "desk", "exp": time.Now().Add(-time.Hour).Unix()}), want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/p", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && w.Body.String() != "desk" {
				t.Errorf("clientID = %q", w.Body.String())
			}
		})
	}
}

func TestInternalAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/i", InternalAuth("feed-key", "secret"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	})
	token := sign(t, "secret", jwt.MapClaims{"client_id": "ops", "exp": time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name   string
		key    string
		bearer string
		want   int
		body   string
	}{
		{name: "internal key", key: "feed-key", want: http.StatusOK, body: "internal"},
		{name: "wrong key", key: "nope", want: http.StatusUnauthorized},
		{name: "operator token", bearer: token, want: http.StatusOK, body: "ops"},
		{name: "nothing", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/i", nil)
			if tt.key != "" {
				req.Header.Set(InternalKeyHeader, tt.key)
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("clientID = %q", w.Body.String())
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/api/v1/internal/market/ticks", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(path string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.1.2.3:5555"
		router.ServeHTTP(w, req)
		return w.Code
	}

	if got := do("/api/v1/auth/token"); got != http.StatusOK {
		t.Fatalf("first auth request = %d", got)
	}
	if got := do("/api/v1/auth/token"); got != http.StatusTooManyRequests {
		t.Errorf("second auth request = %d, want 429", got)
	}
	for i := 0; i < 50; i++ {
		if got := do("/api/v1/internal/market/ticks"); got != http.StatusOK {
			t.Fatalf("market feed limited at request %d", i)
		}
	}
}
