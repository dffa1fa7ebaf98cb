package session

import (
	"slices"
	"time"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one transcript line.
type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the append-only conversation log of one session. The most
// recent assistant entry keeps accepting fragments until the turn ends. Not
// safe for concurrent use.
type Transcript struct {
	entries []Entry
	open    bool
}

// AppendAssistant adds an assistant fragment. It extends the open assistant
// entry or starts a new one. Empty fragments are ignored.
func (t *Transcript) AppendAssistant(fragment string, at time.Time) {
	if fragment == "" {
		return
	}
	if n := len(t.entries); t.open && n > 0 && t.entries[n-1].Role == RoleAssistant {
		t.entries[n-1].Text += fragment
		return
	}
	t.entries = append(t.entries, Entry{Role: RoleAssistant, Text: fragment, Timestamp: at})
	t.open = true
}

// AddUser appends a complete user utterance. It also closes the open
// assistant entry, so a later assistant fragment starts a new entry.
func (t *Transcript) AddUser(text string, at time.Time) {
	if text == "" {
		return
	}
	t.entries = append(t.entries, Entry{Role: RoleUser, Text: text, Timestamp: at})
	t.open = false
}

// EndTurn closes the open assistant entry.
func (t *Transcript) EndTurn() { t.open = false }

// last returns a pointer to the newest entry, or nil.
func (t *Transcript) last() *Entry {
	if len(t.entries) == 0 {
		return nil
	}
	return &t.entries[len(t.entries)-1]
}

// Len returns the number of entries.
func (t *Transcript) Len() int { return len(t.entries) }

// Entries returns a copy of all entries.
func (t *Transcript) Entries() []Entry { return slices.Clone(t.entries) }

// Visible returns a copy of all entries for display. While an assistant
// entry is open, a photo-request marker still arriving at its end is left
// out.
func (t *Transcript) Visible() []Entry {
	entries := t.Entries()
	if n := len(entries); t.open && n > 0 && entries[n-1].Role == RoleAssistant {
		entries[n-1].Text, _ = SplitPartialMarker(entries[n-1].Text)
	}
	return entries
}
