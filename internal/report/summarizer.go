// Package report turns a finished support session into a case summary and a
// downloadable Markdown report.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/internal/session"
	"github.com/MrWong99/fixline/pkg/provider/llm"
)

// summaryPrompt is the system prompt of every summary request.
const summaryPrompt = `You are reviewing a technical support conversation between a user and a support assistant.
Respond with a single JSON object and nothing else, using exactly these keys:
  "issue":           one sentence describing the user's problem
  "diagnosis":       the most likely cause that was identified
  "steps":           array of the troubleshooting steps that were tried, in order
  "outcome":         whether and how the problem was resolved
  "recommendations": array of follow-up actions for the user
Use an empty string or an empty array when the conversation does not say.`

// ErrMalformedSummary is returned when the model answer holds no usable JSON
// summary.
var ErrMalformedSummary = errors.New("report: malformed summary")

var _ session.Summarizer = (*LLMSummarizer)(nil)

// LLMSummarizer summarises transcripts with a text model.
type LLMSummarizer struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
	maxChars    int
}

// Option configures an [LLMSummarizer].
type Option func(*LLMSummarizer)

// WithTemperature sets the sampling temperature. Default 0.2.
func WithTemperature(t float64) Option {
	return func(s *LLMSummarizer) { s.temperature = t }
}

// WithMaxTokens caps the answer length. Default 1024.
func WithMaxTokens(n int) Option {
	return func(s *LLMSummarizer) { s.maxTokens = n }
}

// WithMaxTranscriptChars bounds the transcript sent to the model. Older
// entries are dropped first. Default 48000; zero or less disables the bound.
func WithMaxTranscriptChars(n int) Option {
	return func(s *LLMSummarizer) { s.maxChars = n }
}

// NewLLMSummarizer creates a summarizer backed by provider.
func NewLLMSummarizer(provider llm.Provider, opts ...Option) *LLMSummarizer {
	s := &LLMSummarizer{llm: provider, temperature: 0.2, maxTokens: 1024, maxChars: 48_000}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarize implements [session.Summarizer].
func (s *LLMSummarizer) Summarize(ctx context.Context, transcript []session.Entry, photoCount int) (session.Summary, error) {
	ctx, span := observe.StartSpan(ctx, "summarize")
	var err error
	defer func() { observe.EndSpan(span, err) }()

	if len(transcript) == 0 {
		return session.Summary{}, nil
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: formatTranscript(transcript, photoCount, s.maxChars)}},
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		err = fmt.Errorf("report: summarize: %w", err)
		return session.Summary{}, err
	}
	if resp == nil {
		err = fmt.Errorf("%w: empty response", ErrMalformedSummary)
		return session.Summary{}, err
	}

	sum, err := ParseSummary(resp.Content)
	if err != nil {
		return session.Summary{}, err
	}
	observe.Logger(ctx).Debug("report: transcript summarised",
		"model", s.llm.Model(),
		"entries", len(transcript),
		"prompt_tokens", resp.Usage.PromptTokens,
	)
	return sum, nil
}

// formatTranscript renders entries as "[role]: text" lines. When the result
// exceeds maxChars the oldest lines are dropped and replaced by a note.
func formatTranscript(entries []session.Entry, photoCount, maxChars int) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("[%s]: %s", e.Role, e.Text)
	}
	header := fmt.Sprintf("Photos shared by the user: %d\n\n", photoCount)

	if maxChars > 0 {
		total := len(header)
		keep := len(lines)
		for i := len(lines) - 1; i >= 0; i-- {
			if total+len(lines[i])+1 > maxChars && keep < len(lines) {
				break
			}
			total += len(lines[i]) + 1
			keep = i
		}
		if keep > 0 {
			header += fmt.Sprintf("(%d earlier messages omitted)\n", keep)
			lines = lines[keep:]
		}
	}

	var sb strings.Builder
	sb.WriteString(header)
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ParseSummary extracts the JSON summary object from a model answer. Code
// fences and prose around the object are tolerated.
func ParseSummary(answer string) (session.Summary, error) {
	start := strings.IndexByte(answer, '{')
	end := strings.LastIndexByte(answer, '}')
	if start < 0 || end < start {
		return session.Summary{}, fmt.Errorf("%w: no JSON object in answer", ErrMalformedSummary)
	}

	var raw struct {
		Issue           string   `json:"issue"`
		Diagnosis       string   `json:"diagnosis"`
		Steps           []string `json:"steps"`
		Outcome         string   `json:"outcome"`
		Recommendations []string `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(answer[start:end+1]), &raw); err != nil {
		return session.Summary{}, fmt.Errorf("%w: %w", ErrMalformedSummary, err)
	}
	sum := session.Summary{
		Issue:           strings.TrimSpace(raw.Issue),
		Diagnosis:       strings.TrimSpace(raw.Diagnosis),
		Steps:           compact(raw.Steps),
		Outcome:         strings.TrimSpace(raw.Outcome),
		Recommendations: compact(raw.Recommendations),
	}
	if sum.Issue == "" && sum.Diagnosis == "" && sum.Outcome == "" && len(sum.Steps) == 0 {
		return session.Summary{}, fmt.Errorf("%w: all fields empty", ErrMalformedSummary)
	}
	return sum, nil
}

func compact(items []string) []string {
	var out []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
