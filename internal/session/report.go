package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/pkg/live"
)

// EndReason records why a session finished.
type EndReason string

const (
	// EndUser is an explicit end from the UI.
	EndUser EndReason = "user"

	// EndRemote is an endSession message or a normal remote closure.
	EndRemote EndReason = "remote"

	// EndTimeout is the countdown reaching zero.
	EndTimeout EndReason = "timeout"

	// EndDisconnect is an abnormal closure after ready.
	EndDisconnect EndReason = "disconnect"

	// EndFailed covers every terminal failure before or after ready.
	EndFailed EndReason = "failed"

	// EndCancelled is the run context being cancelled.
	EndCancelled EndReason = "cancelled"
)

// Reportable reports whether a session ending this way hands its transcript
// to the report collaborators.
func (r EndReason) Reportable() bool {
	return r != EndFailed
}

// Summary is the structured outcome of a diagnostic conversation.
type Summary struct {
	Issue           string   `json:"issue"`
	Diagnosis       string   `json:"diagnosis"`
	Steps           []string `json:"steps"`
	Outcome         string   `json:"outcome"`
	Recommendations []string `json:"recommendations"`
}

// Recording kinds.
const (
	RecordingUserAudio = "user_audio"
	RecordingPhoto     = "photo"
)

// Recording is captured media attached to a case.
type Recording struct {
	Kind      string    `json:"kind"`
	MIMEType  string    `json:"mimeType"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}

// Case is everything persisted about one finished session.
type Case struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"sessionId"`
	UserID        string      `json:"userId,omitempty"`
	Mode          live.Mode   `json:"mode"`
	StartedAt     time.Time   `json:"startedAt"`
	EndedAt       time.Time   `json:"endedAt"`
	EndReason     EndReason   `json:"endReason"`
	Transcript    []Entry     `json:"transcript"`
	Summary       Summary     `json:"summary"`
	RemoteSummary string      `json:"remoteSummary,omitempty"`
	PhotoCount    int         `json:"photoCount"`
	Recordings    []Recording `json:"recordings,omitempty"`
}

// Artifact is the downloadable rendering of a case.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"-"`
}

// Report is handed to [Callbacks.OnEnded].
type Report struct {
	Case     Case     `json:"case"`
	Artifact Artifact `json:"artifact"`
}

// ── Collaborators ─────────────────────────────────────────────────────────────

// Summarizer condenses a transcript into a [Summary].
type Summarizer interface {
	Summarize(ctx context.Context, transcript []Entry, photoCount int) (Summary, error)
}

// CaseStore persists finished cases and returns the stored ID.
type CaseStore interface {
	SaveCase(ctx context.Context, c Case) (string, error)
}

// Renderer produces the downloadable artifact of a case.
type Renderer interface {
	Render(ctx context.Context, c Case) (Artifact, error)
}

// Publisher announces finished cases to downstream consumers.
type Publisher interface {
	PublishCaseClosed(ctx context.Context, c Case) error
}

// ── Reporter ──────────────────────────────────────────────────────────────────

// defaultReportTimeout bounds the whole report pipeline.
const defaultReportTimeout = 60 * time.Second

// Reporter runs the report collaborators in order: summarize, save, render,
// publish. Every collaborator is optional. A failing step is logged and the
// pipeline continues with what it has.
type Reporter struct {
	Summarizer Summarizer
	Store      CaseStore
	Renderer   Renderer
	Publisher  Publisher

	// Timeout bounds the pipeline. Zero means 60 seconds.
	Timeout time.Duration

	// Metrics records summarization latency. Nil uses the default metrics.
	Metrics *observe.Metrics
}

// Build runs the pipeline for c and returns the report.
func (r *Reporter) Build(ctx context.Context, c Case) (Report, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultReportTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "session.report")
	var err error
	defer func() { observe.EndSpan(span, err) }()

	log := observe.Logger(ctx).With("session_id", c.SessionID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	if r.Summarizer != nil {
		start := time.Now()
		sum, serr := r.Summarizer.Summarize(ctx, c.Transcript, c.PhotoCount)
		r.metrics().SummarizeDuration.Record(ctx, time.Since(start).Seconds())
		if serr != nil {
			log.Warn("session: summarize failed, using fallback summary", "err", serr)
			sum = FallbackSummary(c)
		}
		c.Summary = sum
	} else {
		c.Summary = FallbackSummary(c)
	}

	if r.Store != nil {
		id, serr := r.Store.SaveCase(ctx, c)
		if serr != nil {
			log.Error("session: save case failed", "err", serr, "case_id", c.ID)
		} else if id != "" {
			c.ID = id
		}
	}

	rep := Report{Case: c}
	if r.Renderer != nil {
		art, rerr := r.Renderer.Render(ctx, c)
		if rerr != nil {
			err = fmt.Errorf("session: render report: %w", rerr)
			log.Error("session: render failed", "err", rerr, "case_id", c.ID)
		} else {
			rep.Artifact = art
		}
	}

	if r.Publisher != nil {
		if perr := r.Publisher.PublishCaseClosed(ctx, c); perr != nil {
			log.Warn("session: publish case closed failed", "err", perr, "case_id", c.ID)
		}
	}

	log.Info("session: report built", "case_id", c.ID, "entries", len(c.Transcript))
	return rep, err
}

func (r *Reporter) metrics() *observe.Metrics {
	if r.Metrics != nil {
		return r.Metrics
	}
	return observe.DefaultMetrics()
}

// FallbackSummary derives a minimal summary from the case without any
// model: the first user utterance as the issue and the remote summary, if
// any, as the outcome.
func FallbackSummary(c Case) Summary {
	s := Summary{Outcome: "No automated summary is available for this session."}
	for _, e := range c.Transcript {
		if e.Role == RoleUser {
			s.Issue = e.Text
			break
		}
	}
	if c.RemoteSummary != "" {
		s.Outcome = c.RemoteSummary
	}
	return s
}
