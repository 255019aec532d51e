package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type Project struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type Run struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Status       string    `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"`
	Stages       []string  `json:"stages"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Attempt struct {
	ID         string     `json:"id"`
	Attempt    int        `json:"attempt"`
	Status     string     `json:"status"`
	Origin     string     `json:"origin"`
	NotBefore  *time.Time `json:"not_before,omitempty"`
	ErrorClass string     `json:"error_class,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Artifacts  []string   `json:"artifacts,omitempty"`
}

type Stage struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Gated     bool      `json:"gated,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Attempts  []Attempt `json:"attempts"`
}

type Decision struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Attempt   int       `json:"attempt"`
	Decision  string    `json:"decision"`
	Note      string    `json:"note,omitempty"`
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
}

type RunView struct {
	Run
	StageStatus []Stage    `json:"stage_status"`
	Decisions   []Decision `json:"decisions"`
}

type Artifact struct {
	ID          string `json:"id"`
	Stage       string `json:"stage"`
	Attempt     int    `json:"attempt"`
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
}

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

func styleStatus(status string) string {
	switch status {
	case "Completed", "Succeeded":
		return okStyle.Render(status)
	case "AwaitingApproval", "Running", "Active":
		return waitingStyle.Render(status)
	case "Failed":
		return errorStyle.Render(status)
	case "Cancelled", "Skipped", "Pending":
		return dimStyle.Render(status)
	default:
		return status
	}
}

type printer struct {
	out  io.Writer
	json bool
}

func (p printer) emit(v any, text func(io.Writer)) error {
	if p.json {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.out)
	return nil
}

func writeProjects(w io.Writer, projects []Project) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Render("ID")+"\tTITLE\tCREATED")
	for _, p := range projects {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Title, p.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func writeRuns(w io.Writer, list []Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Render("ID")+"\tSTATUS\tSTAGES\tUPDATED")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, styleStatus(r.Status), strings.Join(r.Stages, ","), r.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func writeRunView(w io.Writer, v RunView) {
	fmt.Fprintf(w, "run %s  %s\n", v.ID, styleStatus(v.Status))
	if v.StatusReason != "" {
		fmt.Fprintf(w, "  reason: %s\n", v.StatusReason)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Render("STAGE")+"\tSTATUS\tATTEMPTS\tARTIFACTS\tLAST ERROR")
	for _, s := range v.StageStatus {
		name := s.Name
		if s.Gated {
			name += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", name, styleStatus(s.Status), len(s.Attempts), len(s.Artifacts), s.LastError)
	}
	_ = tw.Flush()
	for _, d := range v.Decisions {
		line := fmt.Sprintf("  %s #%d %s by %s", d.Stage, d.Attempt, d.Decision, d.DecidedBy)
		if d.Note != "" {
			line += ": " + d.Note
		}
		fmt.Fprintln(w, dimStyle.Render(line))
	}
}

func writeArtifacts(w io.Writer, list []Artifact) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Render("ID")+"\tSTAGE\tATTEMPT\tKIND\tNAME\tSIZE")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\n", a.ID, a.Stage, a.Attempt, a.Kind, a.Name, a.SizeBytes)
	}
	_ = tw.Flush()
}
