package session

import "time"

// Status is the UI-visible conversation state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusListening  Status = "listening"
	StatusSpeaking   Status = "speaking"
)

// DefaultTurnDebounce is the settle time after the last assistant audio
// chunk before a completed turn returns the state to listening.
const DefaultTurnDebounce = 300 * time.Millisecond

// TurnMachine tracks whose turn it is. It is a plain value driven with
// explicit arrival times; the owner runs the timers. Not safe for concurrent
// use.
//
//	idle -> connecting -> listening <-> speaking
//	any  -> idle (failure or end)
type TurnMachine struct {
	debounce  time.Duration
	status    Status
	ready     bool
	lastAudio time.Time
	pending   bool
	gen       uint64
	failure   string
}

// NewTurnMachine returns a machine in the idle state. A non-positive debounce
// selects [DefaultTurnDebounce].
func NewTurnMachine(debounce time.Duration) *TurnMachine {
	if debounce <= 0 {
		debounce = DefaultTurnDebounce
	}
	return &TurnMachine{debounce: debounce, status: StatusIdle}
}

// Status returns the current state.
func (m *TurnMachine) Status() Status { return m.status }

// Failure returns the recorded failure reason, if any.
func (m *TurnMachine) Failure() string { return m.failure }

// Pending reports whether a return to listening is scheduled.
func (m *TurnMachine) Pending() bool { return m.pending }

// Debounce returns the configured settle time.
func (m *TurnMachine) Debounce() time.Duration { return m.debounce }

// Connect moves idle to connecting.
func (m *TurnMachine) Connect() {
	if m.status == StatusIdle {
		m.status = StatusConnecting
		m.failure = ""
	}
}

// Ready confirms the channel and moves connecting to listening. Audio that
// arrived earlier does not count; the next chunk switches to speaking.
func (m *TurnMachine) Ready() {
	if m.status != StatusConnecting {
		return
	}
	m.ready = true
	m.status = StatusListening
}

// Audio records an assistant audio chunk that arrived at now. It forces
// speaking and invalidates any scheduled return to listening. Before ready
// the visible state stays connecting.
func (m *TurnMachine) Audio(now time.Time) {
	if m.status == StatusIdle {
		return
	}
	m.lastAudio = now
	if m.pending {
		m.pending = false
		m.gen++
	}
	if m.ready {
		m.status = StatusSpeaking
	}
}

// TurnComplete records the end of an assistant turn at now. When ok is true
// the caller must call [TurnMachine.Fire] with gen once delay has elapsed (or
// immediately when delay is zero).
func (m *TurnMachine) TurnComplete(now time.Time) (delay time.Duration, gen uint64, ok bool) {
	if m.status != StatusSpeaking {
		return 0, 0, false
	}
	delay = m.debounce
	if !m.lastAudio.IsZero() {
		delay = max(0, m.debounce-now.Sub(m.lastAudio))
	}
	m.gen++
	m.pending = true
	return delay, m.gen, true
}

// Fire completes a scheduled return to listening. It reports whether the
// state changed; a stale generation is ignored.
func (m *TurnMachine) Fire(gen uint64) bool {
	if !m.pending || gen != m.gen || m.status != StatusSpeaking {
		return false
	}
	m.pending = false
	m.status = StatusListening
	return true
}

// Fail forces idle with reason, overriding any pending timer.
func (m *TurnMachine) Fail(reason string) {
	m.stop()
	m.failure = reason
}

// End forces idle without a failure.
func (m *TurnMachine) End() {
	m.stop()
}

func (m *TurnMachine) stop() {
	m.status = StatusIdle
	m.ready = false
	m.pending = false
	m.gen++
}
