package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"infosentry/internal/models"
)

// mailItem is one rendered row in an outbound email.
type mailItem struct {
	Title   string
	URL     string
	Snippet string
	Reason  string
}

var mailTemplate = template.Must(template.New("mail").Parse(`<!DOCTYPE html>
<html>
<body style="font-family:sans-serif;max-width:600px;margin:0 auto">
<h2>{{.Heading}}</h2>
{{range .Items}}
<div style="margin-bottom:16px;padding:12px;border-left:3px solid #4a7dff">
  <a href="{{.URL}}" style="font-size:16px;font-weight:bold">{{.Title}}</a>
  {{if .Snippet}}<p style="color:#444">{{.Snippet}}</p>{{end}}
  {{if .Reason}}<p style="color:#888;font-size:12px">{{.Reason}}</p>{{end}}
</div>
{{end}}
<p style="color:#aaa;font-size:11px">Sent by infosentry for goal "{{.GoalName}}".</p>
</body>
</html>`))

type mailData struct {
	Heading  string
	GoalName string
	Items    []mailItem
}

func renderHTML(heading, goalName string, items []mailItem) (string, error) {
	var buf bytes.Buffer
	err := mailTemplate.Execute(&buf, mailData{Heading: heading, GoalName: goalName, Items: items})
	if err != nil {
		return "", fmt.Errorf("render mail: %w", err)
	}
	return buf.String(), nil
}

func renderText(heading string, items []mailItem) string {
	var sb strings.Builder
	sb.WriteString(heading + "\n\n")
	for _, item := range items {
		sb.WriteString("* " + item.Title + "\n")
		if item.URL != "" {
			sb.WriteString("  " + item.URL + "\n")
		}
		if item.Reason != "" {
			sb.WriteString("  " + item.Reason + "\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func subjectFor(kind models.DecisionKind, goalName string, count int) string {
	switch kind {
	case models.DecisionImmediate:
		if count == 1 {
			return fmt.Sprintf("[%s] New high-priority match", goalName)
		}
		return fmt.Sprintf("[%s] %d high-priority matches", goalName, count)
	case models.DecisionBatch:
		return fmt.Sprintf("[%s] %d new matches", goalName, count)
	case models.DecisionDigest:
		return fmt.Sprintf("[%s] Daily digest (%d items)", goalName, count)
	default:
		return fmt.Sprintf("[%s] Updates", goalName)
	}
}

func headingFor(kind models.DecisionKind, count int) string {
	switch kind {
	case models.DecisionImmediate:
		return "High-priority matches"
	case models.DecisionBatch:
		return fmt.Sprintf("%d new matches since the last window", count)
	case models.DecisionDigest:
		return "Your daily digest"
	default:
		return "Updates"
	}
}
