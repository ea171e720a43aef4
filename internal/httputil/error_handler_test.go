package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"e2ee-gateway/internal/security/cryptoerr"

	"github.com/gin-gonic/gin"
)

func TestCryptoError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name      string
		err       error
		status    int
		code      int
		userState string
		retryable bool
	}{
		{"validation", cryptoerr.New("encrypt", cryptoerr.ErrValidation, "empty plaintext"), http.StatusBadRequest, ErrorCodeInvalidParameter, cryptoerr.UserStateConnection, false},
		{"stale bundle", cryptoerr.New("initiate_session", cryptoerr.ErrStaleBundle, "bob/phone"), http.StatusConflict, ErrorCodeStaleBundle, cryptoerr.UserStateRetry, true},
		{"replay", cryptoerr.New("decrypt", cryptoerr.ErrReplay, "n=3"), http.StatusUnprocessableEntity, ErrorCodeDecryptFailed, cryptoerr.UserStateReverify, false},
		{"unknown session", fmt.Errorf("lookup: %w", cryptoerr.ErrUnknownSession), http.StatusNotFound, ErrorCodeUnknownSession, cryptoerr.UserStateConnection, false},
		{"timeout", cryptoerr.Wrap("async", cryptoerr.ErrTimeout, errors.New("deadline")), http.StatusGatewayTimeout, ErrorCodeTimeout, cryptoerr.UserStateRetry, true},
		{"untyped", errors.New("mongo: connection refused"), http.StatusInternalServerError, ErrorCodeProcessingFailed, cryptoerr.UserStateConnection, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/test", nil)

			CryptoError(c, tt.err)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			var body struct {
				Error     string `json:"error"`
				Code      int    `json:"code"`
				Retryable bool   `json:"retryable"`
				UserState string `json:"user_state"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid body: %v", err)
			}
			if body.Code != tt.code {
				t.Errorf("code = %d, want %d", body.Code, tt.code)
			}
			if body.UserState != tt.userState {
				t.Errorf("user_state = %q, want %q", body.UserState, tt.userState)
			}
			if body.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", body.Retryable, tt.retryable)
			}
		})
	}
}

func TestCryptoError_HidesDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/sessions/x/decrypt", nil)

	CryptoError(c, cryptoerr.New("decrypt", cryptoerr.ErrMalformedMessage, "chain key 0x1f"))

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["error"] != "訊息驗證失敗" {
		t.Errorf("fatal error leaked details: %v", body["error"])
	}
}

func TestShouldShowError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("device not registered"), true},
		{errors.New("failed to open sealed blob"), false},
		{errors.New("mongo timeout"), false},
	}
	for _, tt := range tests {
		if got := shouldShowError(tt.err); got != tt.want {
			t.Errorf("shouldShowError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
