package audio

import "encoding/base64"

// Encode turns a captured frame into the fixed outbound wire format: mono
// 16-bit little-endian PCM at targetRate. Multi-channel frames are downmixed
// before resampling.
//
// Encode has no shared state and is safe to call from any goroutine.
func Encode(f Frame, targetRate int) []byte {
	mono := Downmix(f.Samples, f.Channels)
	return EncodePCM16(Quantize(Resample(mono, f.SampleRate, targetRate)))
}

// EncodeBase64 is [Encode] followed by standard base64 encoding. It returns
// both the payload and the raw PCM so callers can record what was sent.
func EncodeBase64(f Frame, targetRate int) (string, []byte) {
	pcm := Encode(f, targetRate)
	return base64.StdEncoding.EncodeToString(pcm), pcm
}
