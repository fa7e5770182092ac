package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const exportTimeFormat = "2006-01-02 15:04:05"

// ExportMarkdown renders an archived session as a markdown document.
func ExportMarkdown(rec *Record) string {
	sess := rec.Session
	var b strings.Builder

	title := sess.Name
	if title == "" {
		title = "Session " + sess.ID
	}
	b.WriteString(fmt.Sprintf("# %s\n\n", title))
	b.WriteString(fmt.Sprintf("- **Session:** %s\n", sess.ID))
	b.WriteString(fmt.Sprintf("- **Host:** %s\n", sess.HostName))
	b.WriteString(fmt.Sprintf("- **Language:** %s\n", sess.Language))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", sess.Status))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", sess.CreatedAt.Format(exportTimeFormat)))
	b.WriteString(fmt.Sprintf("- **Last activity:** %s\n", sess.UpdatedAt.Format(exportTimeFormat)))
	b.WriteString("\n---\n\n")

	if len(sess.Participants) > 0 {
		b.WriteString("## Participants\n\n")
		for _, p := range sess.Participants {
			b.WriteString(fmt.Sprintf("- %s (%s, %s) joined %s\n", p.DisplayName, p.ClientID, p.Role, p.JoinedAt.Format(exportTimeFormat)))
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("## Final code\n\n```%s\n%s\n```\n\n", sess.Language, strings.TrimRight(sess.Code, "\n")))

	if len(sess.Executions) > 0 {
		b.WriteString("## Executions\n\n")
		for _, e := range sess.Executions {
			who := e.ExecutedBy
			if who == "" {
				who = "unknown"
			}
			b.WriteString(fmt.Sprintf("### %s by %s\n\n", e.Timestamp.Format(exportTimeFormat), who))
			b.WriteString(fmt.Sprintf("%s, exit code %d, %dms\n\n", e.Language, e.ExitCode, e.DurationMs))
			if e.Error != "" {
				b.WriteString(fmt.Sprintf("**Error:** %s\n\n", e.Error))
			}
			if e.Stdout != "" {
				b.WriteString(fmt.Sprintf("```\n%s\n```\n\n", strings.TrimRight(e.Stdout, "\n")))
			}
			if e.Stderr != "" {
				b.WriteString(fmt.Sprintf("<details>\n<summary>stderr</summary>\n\n```\n%s\n```\n</details>\n\n", strings.TrimRight(e.Stderr, "\n")))
			}
		}
	}

	return b.String()
}

// ExportJSON renders an archived session as formatted JSON.
func ExportJSON(rec *Record) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}

type yamlParticipant struct {
	ClientID    string    `yaml:"client_id"`
	DisplayName string    `yaml:"display_name"`
	Role        string    `yaml:"role"`
	JoinedAt    time.Time `yaml:"joined_at"`
}

type yamlExecution struct {
	ID         string    `yaml:"id"`
	Language   string    `yaml:"language"`
	ExecutedBy string    `yaml:"executed_by,omitempty"`
	Timestamp  time.Time `yaml:"timestamp"`
	ExitCode   int       `yaml:"exit_code"`
	DurationMs int64     `yaml:"duration_ms"`
	Stdout     string    `yaml:"stdout,omitempty"`
	Stderr     string    `yaml:"stderr,omitempty"`
	Error      string    `yaml:"error,omitempty"`
}

type yamlSession struct {
	ID           string            `yaml:"session_id"`
	Name         string            `yaml:"session_name,omitempty"`
	HostName     string            `yaml:"host_name"`
	Status       string            `yaml:"status"`
	Language     string            `yaml:"language"`
	CreatedAt    time.Time         `yaml:"created_at"`
	UpdatedAt    time.Time         `yaml:"updated_at"`
	ArchivedAt   time.Time         `yaml:"archived_at"`
	Participants []yamlParticipant `yaml:"participants"`
	Code         string            `yaml:"code"`
	Executions   []yamlExecution   `yaml:"executions"`
}

// ExportYAML renders an archived session as YAML.
func ExportYAML(rec *Record) ([]byte, error) {
	sess := rec.Session
	doc := yamlSession{
		ID:         sess.ID,
		Name:       sess.Name,
		HostName:   sess.HostName,
		Status:     string(sess.Status),
		Language:   sess.Language,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
		ArchivedAt: rec.ArchivedAt,
		Code:       sess.Code,
	}
	for _, p := range sess.Participants {
		doc.Participants = append(doc.Participants, yamlParticipant{
			ClientID:    p.ClientID,
			DisplayName: p.DisplayName,
			Role:        string(p.Role),
			JoinedAt:    p.JoinedAt,
		})
	}
	for _, e := range sess.Executions {
		doc.Executions = append(doc.Executions, yamlExecution{
			ID:         e.ID,
			Language:   e.Language,
			ExecutedBy: e.ExecutedBy,
			Timestamp:  e.Timestamp,
			ExitCode:   e.ExitCode,
			DurationMs: e.DurationMs,
			Stdout:     e.Stdout,
			Stderr:     e.Stderr,
			Error:      e.Error,
		})
	}
	return yaml.Marshal(doc)
}
