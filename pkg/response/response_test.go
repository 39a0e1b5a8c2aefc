package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func run(method string, fn func(c *gin.Context)) (*httptest.ResponseRecorder, Response) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)
	fn(c)

	var resp Response
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name   string
		method string
		err    error
		status int
		code   string
	}{
		{name: "get success", method: http.MethodGet, status: http.StatusOK},
		{name: "post success", method: http.MethodPost, status: http.StatusCreated},
		{name: "not found", method: http.MethodGet, err: fmt.Errorf("load: %w", gorm.ErrRecordNotFound), status: http.StatusNotFound, code: ErrCodeNotFound},
		{name: "duplicate", method: http.MethodPost, err: gorm.ErrDuplicatedKey, status: http.StatusConflict, code: ErrCodeDuplicateResource},
		{name: "unexpected", method: http.MethodGet, err: errors.New("disk full"), status: http.StatusInternalServerError, code: ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := run(tt.method, func(c *gin.Context) {
				Handle(c, map[string]string{"ok": "yes"}, tt.err)
			})
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.code == "" {
				if !resp.Success || resp.Error != nil {
					t.Errorf("resp = %+v", resp)
				}
				return
			}
			if resp.Success || resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestUnexpectedErrorIsNotLeaked(t *testing.T) {
	w, resp := run(http.MethodGet, func(c *gin.Context) {
		Handle(c, nil, errors.New("password=hunter2"))
	})
	if w.Code != http.StatusInternalServerError || resp.Error.Message != "An unexpected error occurred" {
		t.Errorf("resp = %d %+v", w.Code, resp.Error)
	}
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		fn     func(*gin.Context, string)
		status int
		code   string
	}{
		{"bad request", BadRequest, http.StatusBadRequest, ErrCodeBadRequest},
		{"validation", ValidationFailed, http.StatusBadRequest, ErrCodeValidationFailed},
		{"unauthorized", Unauthorized, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"forbidden", Forbidden, http.StatusForbidden, ErrCodeForbidden},
		{"invalid state", InvalidState, http.StatusConflict, ErrCodeInvalidState},
		{"rate limited", TooManyRequests, http.StatusTooManyRequests, ErrCodeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := run(http.MethodGet, func(c *gin.Context) { tt.fn(c, "nope") })
			if w.Code != tt.status || resp.Error == nil || resp.Error.Code != tt.code || resp.Error.Message != "nope" {
				t.Errorf("got %d %+v", w.Code, resp.Error)
			}
		})
	}
}
