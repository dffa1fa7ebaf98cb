package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/fixline/pkg/audio"
	"github.com/MrWong99/fixline/pkg/video"
)

func TestClassifyAcquire(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"mic permission", fmt.Errorf("malgo: %w", audio.ErrPermissionDenied), ErrPermissionDenied},
		{"camera permission", video.ErrPermissionDenied, ErrPermissionDenied},
		{"no mic", audio.ErrDeviceNotFound, ErrDeviceNotFound},
		{"no camera", video.ErrDeviceNotFound, ErrDeviceNotFound},
		{"busy", errors.New("device busy"), ErrAcquireFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyAcquire("microphone", tc.in)
			if !errors.Is(got, tc.want) {
				t.Errorf("classifyAcquire(%v) = %v, want %v", tc.in, got, tc.want)
			}
			if !errors.Is(got, tc.in) {
				t.Errorf("original error lost from chain: %v", got)
			}
		})
	}
}

func TestUserMessage_DistinctPerKind(t *testing.T) {
	kinds := []error{
		ErrPermissionDenied,
		ErrDeviceNotFound,
		ErrAcquireFailed,
		ErrConnectionFailed,
		ErrUnexpectedDisconnect,
		ErrRemote,
	}
	seen := map[string]error{}
	for _, k := range kinds {
		msg := UserMessage(fmt.Errorf("wrapped: %w", k))
		if msg == "" {
			t.Errorf("no message for %v", k)
		}
		if prev, dup := seen[msg]; dup {
			t.Errorf("%v and %v share message %q", prev, k, msg)
		}
		seen[msg] = k
	}
	if UserMessage(nil) != "" {
		t.Error("nil error produced a message")
	}
	if UserMessage(errors.New("mystery")) == "" {
		t.Error("unknown error produced no message")
	}
}

func TestErrorKind(t *testing.T) {
	if got := ErrorKind(fmt.Errorf("x: %w", ErrDecodeFailure)); got != "decode_failure" {
		t.Errorf("ErrorKind = %q", got)
	}
	if got := ErrorKind(errors.New("x")); got != "other" {
		t.Errorf("ErrorKind(unknown) = %q", got)
	}
}
