package session

import (
	"slices"
	"time"

	"github.com/MrWong99/fixline/pkg/audio"
)

// userAudioMIME describes the raw PCM the recorder keeps.
const userAudioMIME = "audio/L16;rate=16000;channels=1"

// recorder keeps the media of a session for its case file. Audio beyond
// limit bytes is discarded; a non-positive limit disables audio recording.
type recorder struct {
	limit     int
	started   time.Time
	audio     []byte
	truncated bool
	photos    []Recording
}

func (r *recorder) appendAudio(pcm []byte) {
	if r.limit <= 0 || r.truncated {
		return
	}
	if room := r.limit - len(r.audio); len(pcm) > room {
		pcm = pcm[:room-room%2]
		r.truncated = true
	}
	r.audio = append(r.audio, pcm...)
}

func (r *recorder) addPhoto(jpeg []byte, at time.Time) {
	r.photos = append(r.photos, Recording{
		Kind:      RecordingPhoto,
		MIMEType:  "image/jpeg",
		Data:      slices.Clone(jpeg),
		CreatedAt: at,
	})
}

// recordings returns the audio track, if any, followed by the photos.
func (r *recorder) recordings() []Recording {
	var out []Recording
	if len(r.audio) > 0 {
		out = append(out, Recording{
			Kind:      RecordingUserAudio,
			MIMEType:  userAudioMIME,
			Data:      r.audio,
			CreatedAt: r.started,
		})
	}
	return append(out, r.photos...)
}

// audioDuration returns the length of the recorded audio.
func (r *recorder) audioDuration() time.Duration {
	return audio.FramesToDuration(int64(len(r.audio)/2), audio.CaptureTargetRate)
}
