package model

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestRequestError_DefaultMessage(t *testing.T) {
	err := NewRequestError("/tweets/timeline", http.StatusInternalServerError, "")
	if err.Message != defaultRequestErrorMessage {
		t.Errorf("Message = %q", err.Message)
	}
	if err.StatusCode() != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d", err.StatusCode())
	}
}

func TestNetworkError_StatusZeroAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewNetworkError("/auth/me", cause)
	if err.StatusCode() != 0 {
		t.Errorf("StatusCode = %d, want 0", err.StatusCode())
	}
	if !errors.Is(err, cause) {
		t.Error("原因のエラーを辿れない")
	}
}

func TestIsAuthenticationError_Wrapped(t *testing.T) {
	err := fmt.Errorf("load: %w", NewAuthenticationError("/auth/me"))
	if !IsAuthenticationError(err) {
		t.Error("ラップされた認証エラーを判定できない")
	}
	if _, ok := IsRequestError(err); ok {
		t.Error("認証エラーがRequestErrorと判定された")
	}
}

func TestNewUpstreamError(t *testing.T) {
	tests := []struct {
		name     string
		err      *RequestError
		wantCode string
	}{
		{"ネットワーク障害", NewNetworkError("/x", errors.New("dial")), ErrCodeUpstreamDown},
		{"エラー応答", NewRequestError("/x", http.StatusBadGateway, "bad gateway"), ErrCodeUpstreamFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewUpstreamError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.Message != tt.err.Message {
				t.Errorf("Message = %q, want %q", got.Message, tt.err.Message)
			}
		})
	}
}

func TestKeepsPriorData(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"認証エラー", fmt.Errorf("wrap: %w", NewAuthenticationError("/auth/me")), false},
		{"404", NewRequestError("/timelines/9", http.StatusNotFound, ""), false},
		{"500", NewRequestError("/tweets/timeline", http.StatusInternalServerError, ""), true},
		{"通信障害", NewNetworkError("/tweets/timeline", errors.New("dial")), true},
		{"デコードエラー", &DecodeError{Endpoint: "/timelines", Err: errors.New("bad")}, true},
	}
	for _, tt := range tests {
		if got := KeepsPriorData(tt.err); got != tt.want {
			t.Errorf("%s: KeepsPriorData = %v, want %v", tt.name, got, tt.want)
		}
	}
}
