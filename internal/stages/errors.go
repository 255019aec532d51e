package stages

import "strings"

// ValidationError aggregates payload schema issues.
type ValidationError struct {
	Stage  string
	Issues []string
}

func (e *ValidationError) Error() string {
	prefix := "payload validation failed"
	if e.Stage != "" {
		prefix = e.Stage + " " + prefix
	}
	if len(e.Issues) == 0 {
		return prefix
	}
	return prefix + ": " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
