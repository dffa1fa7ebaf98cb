package session

import (
	"regexp"
	"strings"
)

// DefaultPhotoPrompt is shown when the assistant asks for a photo without
// saying what to capture.
const DefaultPhotoPrompt = "Please take a photo of the device so I can take a closer look."

// PhotoRequest is the single outstanding photo request of a session.
type PhotoRequest struct {
	Pending bool   `json:"pending"`
	Prompt  string `json:"prompt,omitempty"`
}

// markerPattern matches [PHOTO_REQUEST] and [PHOTO_REQUEST: prompt] in any
// letter case.
var markerPattern = regexp.MustCompile(`(?i)\[\s*photo_request\s*(?::([^\]]*))?\]`)

// blankRun collapses the gap a stripped marker leaves behind.
var blankRun = regexp.MustCompile(`[ \t]{2,}`)

// ExtractPhotoMarker removes every photo-request marker from text. When at
// least one marker was present found is true and prompt holds the last
// non-empty marker prompt, or [DefaultPhotoPrompt].
func ExtractPhotoMarker(text string) (clean, prompt string, found bool) {
	matches := markerPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, "", false
	}
	for _, m := range matches {
		if p := strings.TrimSpace(m[1]); p != "" {
			prompt = p
		}
	}
	if prompt == "" {
		prompt = DefaultPhotoPrompt
	}
	clean = markerPattern.ReplaceAllString(text, "")
	clean = blankRun.ReplaceAllString(clean, " ")
	return clean, prompt, true
}

// markerName is the keyword inside a photo-request marker.
const markerName = "photo_request"

// SplitPartialMarker splits text before a trailing unterminated "[" that can
// still grow into a photo-request marker. Text without one is returned
// whole with an empty held part.
func SplitPartialMarker(text string) (visible, held string) {
	i := strings.LastIndexByte(text, '[')
	if i < 0 || strings.IndexByte(text[i:], ']') >= 0 {
		return text, ""
	}
	rest := strings.TrimLeft(text[i+1:], " \t\r\n")
	n := min(len(rest), len(markerName))
	if !strings.EqualFold(rest[:n], markerName[:n]) {
		return text, ""
	}
	if tail := strings.TrimLeft(rest[n:], " \t\r\n"); tail != "" && tail[0] != ':' {
		return text, ""
	}
	return text[:i], text[i:]
}

// Request sets the request pending with prompt. A request that is already
// pending has its prompt replaced in place; replaced reports that case.
func (p *PhotoRequest) Request(prompt string) (replaced bool) {
	if prompt == "" {
		prompt = DefaultPhotoPrompt
	}
	replaced = p.Pending
	p.Pending = true
	p.Prompt = prompt
	return replaced
}

// Clear drops the request. It reports whether one was pending.
func (p *PhotoRequest) Clear() bool {
	was := p.Pending
	*p = PhotoRequest{}
	return was
}
