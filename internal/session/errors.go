package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/fixline/pkg/audio"
	"github.com/MrWong99/fixline/pkg/video"
)

// Error taxonomy. Every terminal session error wraps exactly one of these so
// callers can match it with [errors.Is].
var (
	// ErrPermissionDenied means the microphone or camera was refused.
	ErrPermissionDenied = errors.New("session: permission denied")

	// ErrDeviceNotFound means no suitable microphone or camera exists.
	ErrDeviceNotFound = errors.New("session: device not found")

	// ErrAcquireFailed is any other hardware acquisition failure.
	ErrAcquireFailed = errors.New("session: could not start media devices")

	// ErrConnectionFailed means the channel never reached ready.
	ErrConnectionFailed = errors.New("session: connection failed")

	// ErrUnexpectedDisconnect means the channel closed after ready without
	// an end-of-session message.
	ErrUnexpectedDisconnect = errors.New("session: unexpected disconnect")

	// ErrDecodeFailure marks a malformed inbound audio chunk. It is logged
	// and counted, never terminal.
	ErrDecodeFailure = errors.New("session: audio decode failure")

	// ErrRemote wraps an error message sent by the assistant.
	ErrRemote = errors.New("session: assistant error")

	// ErrNotActive is returned by control calls after the session ended.
	ErrNotActive = errors.New("session: not active")

	// ErrNoCamera is returned by SubmitPhoto without image bytes when the
	// session has no camera.
	ErrNoCamera = errors.New("session: no camera available")
)

// classifyAcquire maps a device error onto the session taxonomy, keeping the
// original error in the chain.
func classifyAcquire(what string, err error) error {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied), errors.Is(err, video.ErrPermissionDenied):
		return fmt.Errorf("%w: %s: %w", ErrPermissionDenied, what, err)
	case errors.Is(err, audio.ErrDeviceNotFound), errors.Is(err, video.ErrDeviceNotFound):
		return fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, what, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrAcquireFailed, what, err)
	}
}

// UserMessage returns the user-facing text for err. Unknown errors get a
// generic message.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone or camera access was denied. Enable it in your system settings and try again."
	case errors.Is(err, ErrDeviceNotFound):
		return "No microphone or camera was found. Connect a device and try again."
	case errors.Is(err, ErrAcquireFailed):
		return "Your microphone or camera could not be started. Close other apps that may be using it and try again."
	case errors.Is(err, ErrConnectionFailed):
		return "Could not connect to the support assistant. Check your internet connection and try again."
	case errors.Is(err, ErrUnexpectedDisconnect):
		return "The connection to the support assistant was lost."
	case errors.Is(err, ErrRemote):
		return "The support assistant reported a problem and ended the session. Please try again."
	case errors.Is(err, ErrNoCamera):
		return "No camera is available to take a photo."
	default:
		return "Something went wrong. Please try again."
	}
}

// ErrorKind returns a stable short label for err, used as a metric
// attribute.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrAcquireFailed):
		return "acquire_failed"
	case errors.Is(err, ErrConnectionFailed):
		return "connection_failed"
	case errors.Is(err, ErrUnexpectedDisconnect):
		return "unexpected_disconnect"
	case errors.Is(err, ErrDecodeFailure):
		return "decode_failure"
	case errors.Is(err, ErrRemote):
		return "remote"
	default:
		return "other"
	}
}
