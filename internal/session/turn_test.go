package session

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func readyMachine() *TurnMachine {
	m := NewTurnMachine(300 * time.Millisecond)
	m.Connect()
	m.Ready()
	return m
}

func TestTurnMachine_Lifecycle(t *testing.T) {
	m := NewTurnMachine(0)
	if m.Status() != StatusIdle {
		t.Fatalf("initial status = %s, want idle", m.Status())
	}
	if m.Debounce() != DefaultTurnDebounce {
		t.Errorf("debounce = %v, want default", m.Debounce())
	}
	m.Connect()
	if m.Status() != StatusConnecting {
		t.Fatalf("after Connect = %s, want connecting", m.Status())
	}
	m.Ready()
	if m.Status() != StatusListening {
		t.Fatalf("after Ready = %s, want listening", m.Status())
	}
	m.Audio(at(0))
	if m.Status() != StatusSpeaking {
		t.Fatalf("after audio = %s, want speaking", m.Status())
	}
}

func TestTurnMachine_AudioBeforeReadyStaysConnecting(t *testing.T) {
	m := NewTurnMachine(0)
	m.Connect()
	m.Audio(at(0))
	if m.Status() != StatusConnecting {
		t.Errorf("status = %s, want connecting until ready", m.Status())
	}
	if _, _, ok := m.TurnComplete(at(10)); ok {
		t.Error("turn complete accepted before ready")
	}
}

func TestTurnMachine_Debounce(t *testing.T) {
	m := readyMachine()

	m.Audio(at(0))
	delay, gen, ok := m.TurnComplete(at(50))
	if !ok {
		t.Fatal("turn complete rejected while speaking")
	}
	if delay != 250*time.Millisecond {
		t.Fatalf("delay = %v, want 250ms", delay)
	}

	// At 200ms the timer (due at 300ms) has not fired yet.
	if fireAt := at(50).Add(delay); !fireAt.After(at(200)) {
		t.Fatalf("timer due at %v, before 200ms", fireAt.Sub(t0))
	}
	if m.Status() != StatusSpeaking {
		t.Fatalf("status at 200ms = %s, want speaking", m.Status())
	}

	if fireAt := at(50).Add(delay); fireAt.Before(at(300)) {
		t.Fatalf("listening would start at %v, before 300ms", fireAt.Sub(t0))
	}
	if !m.Fire(gen) {
		t.Fatal("Fire returned false for the current generation")
	}
	if m.Status() != StatusListening {
		t.Fatalf("status after fire = %s, want listening", m.Status())
	}
}

func TestTurnMachine_DelayClampsAtZero(t *testing.T) {
	m := readyMachine()
	m.Audio(at(0))
	delay, gen, ok := m.TurnComplete(at(900))
	if !ok || delay != 0 {
		t.Fatalf("delay = %v ok=%v, want 0 true", delay, ok)
	}
	if !m.Fire(gen) || m.Status() != StatusListening {
		t.Errorf("status = %s, want listening", m.Status())
	}
}

func TestTurnMachine_LateAudioCancelsPendingReturn(t *testing.T) {
	m := readyMachine()
	m.Audio(at(0))
	_, gen, _ := m.TurnComplete(at(10))
	m.Audio(at(100))

	if m.Pending() {
		t.Error("audio did not cancel the pending return")
	}
	if m.Fire(gen) {
		t.Error("stale generation changed state")
	}
	if m.Status() != StatusSpeaking {
		t.Errorf("status = %s, want speaking", m.Status())
	}
}

func TestTurnMachine_SecondTurnCompleteSupersedesFirst(t *testing.T) {
	m := readyMachine()
	m.Audio(at(0))
	_, first, _ := m.TurnComplete(at(10))
	_, second, _ := m.TurnComplete(at(20))

	if m.Fire(first) {
		t.Error("superseded timer fired")
	}
	if !m.Fire(second) {
		t.Error("latest timer did not fire")
	}
}

func TestTurnMachine_TurnCompleteWhileListeningIsIgnored(t *testing.T) {
	m := readyMachine()
	if _, _, ok := m.TurnComplete(at(0)); ok {
		t.Error("turn complete accepted while listening")
	}
}

func TestTurnMachine_FailOverridesPendingTimer(t *testing.T) {
	m := readyMachine()
	m.Audio(at(0))
	_, gen, _ := m.TurnComplete(at(50))

	m.Fail("connection lost")
	if m.Status() != StatusIdle {
		t.Fatalf("status = %s, want idle", m.Status())
	}
	if m.Failure() != "connection lost" {
		t.Errorf("failure = %q", m.Failure())
	}
	if m.Fire(gen) {
		t.Error("timer fired after failure")
	}
	m.Audio(at(60))
	if m.Status() != StatusIdle {
		t.Errorf("audio after failure moved state to %s", m.Status())
	}
}

func TestTurnMachine_EndClearsWithoutFailure(t *testing.T) {
	m := readyMachine()
	m.Audio(at(0))
	m.End()
	if m.Status() != StatusIdle || m.Failure() != "" {
		t.Errorf("status=%s failure=%q, want idle without failure", m.Status(), m.Failure())
	}
}
