package report

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/MrWong99/fixline/internal/session"
)

// MarkdownContentType is the content type of rendered reports.
const MarkdownContentType = "text/markdown; charset=utf-8"

var _ session.Renderer = (*MarkdownRenderer)(nil)

var markdownTemplate = template.Must(template.New("case").Funcs(template.FuncMap{
	"ts":       func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"clock":    func(t time.Time) string { return t.UTC().Format("15:04:05") },
	"duration": func(a, b time.Time) string { return b.Sub(a).Round(time.Second).String() },
	"speaker":  speaker,
	"oneline":  func(s string) string { return strings.Join(strings.Fields(s), " ") },
	"orNone":   orNone,
	"inc":      func(i int) int { return i + 1 },
}).Parse(`# {{.Title}}

| | |
|---|---|
| Case | ` + "`{{.Case.ID}}`" + ` |
| Session | ` + "`{{.Case.SessionID}}`" + ` |
{{- if .Case.UserID}}
| User | {{.Case.UserID}} |
{{- end}}
| Mode | {{.Case.Mode}} |
| Started | {{ts .Case.StartedAt}} |
| Duration | {{duration .Case.StartedAt .Case.EndedAt}} |
| Ended by | {{.Case.EndReason}} |
| Photos | {{.Case.PhotoCount}} |

## Summary

**Issue:** {{orNone .Case.Summary.Issue}}

**Diagnosis:** {{orNone .Case.Summary.Diagnosis}}

**Outcome:** {{orNone .Case.Summary.Outcome}}
{{- if .Case.Summary.Steps}}

### Steps taken
{{range $i, $s := .Case.Summary.Steps}}
{{inc $i}}. {{oneline $s}}
{{- end}}
{{- end}}
{{- if .Case.Summary.Recommendations}}

### Recommendations
{{range .Case.Summary.Recommendations}}
- {{oneline .}}
{{- end}}
{{- end}}
{{- if .Case.RemoteSummary}}

### Assistant notes

{{.Case.RemoteSummary}}
{{- end}}

## Transcript
{{range .Case.Transcript}}
**{{speaker .Role}}** ({{clock .Timestamp}}): {{oneline .Text}}
{{end}}`))

// MarkdownRenderer renders a case as a Markdown document.
type MarkdownRenderer struct {
	// Title heads the document. Empty means "Support session report".
	Title string
}

// Render implements [session.Renderer].
func (r MarkdownRenderer) Render(_ context.Context, c session.Case) (session.Artifact, error) {
	title := r.Title
	if title == "" {
		title = "Support session report"
	}
	var buf bytes.Buffer
	err := markdownTemplate.Execute(&buf, struct {
		Title string
		Case  session.Case
	}{title, c})
	if err != nil {
		return session.Artifact{}, fmt.Errorf("report: render markdown: %w", err)
	}
	return session.Artifact{
		Name:        ArtifactName(c),
		ContentType: MarkdownContentType,
		Body:        buf.Bytes(),
	}, nil
}

// ArtifactName returns the download file name of a case report.
func ArtifactName(c session.Case) string {
	id := c.ID
	if id == "" {
		id = c.SessionID
	}
	return "case-" + id + ".md"
}

func speaker(r session.Role) string {
	if r == session.RoleUser {
		return "You"
	}
	return "Assistant"
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "_not recorded_"
	}
	return s
}
