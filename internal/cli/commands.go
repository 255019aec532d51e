// Package cli implements cineforgectl, the operator command line for the
// orchestrator HTTP API.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server  string
	actor   string
	timeout time.Duration
	json    bool
}

func (o *options) client() *Client {
	return NewClient(o.server, o.actor, o.timeout)
}

func (o *options) printer(cmd *cobra.Command) printer {
	return printer{out: cmd.OutOrStdout(), json: o.json}
}

// NewRootCommand builds the cineforgectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "cineforgectl",
		Short:         "Operate CineForge pipeline runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CINEFORGE_SERVER", defaultServer), "orchestrator base URL")
	root.PersistentFlags().StringVar(&opts.actor, "actor", envOr("CINEFORGE_ACTOR", os.Getenv("USER")), "operator identity sent as X-Actor")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	root.AddCommand(newProjectCommand(opts), newRunCommand(opts), newArtifactCommand(opts))
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newProjectCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}

	var title string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			var project Project
			if err := opts.client().Do(cmd.Context(), http.MethodPost, "/v1/projects", nil, map[string]string{"title": title}, &project); err != nil {
				return err
			}
			return opts.printer(cmd).emit(project, func(w io.Writer) {
				fmt.Fprintf(w, "created project %s (%s)\n", project.ID, project.Title)
			})
		},
	}
	create.Flags().StringVar(&title, "title", "", "project title")
	_ = create.MarkFlagRequired("title")

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if filter != "" {
				query.Set("title", filter)
			}
			var out struct {
				Projects []Project `json:"projects"`
			}
			if err := opts.client().Do(cmd.Context(), http.MethodGet, "/v1/projects", query, nil, &out); err != nil {
				return err
			}
			return opts.printer(cmd).emit(out, func(w io.Writer) { writeProjects(w, out.Projects) })
		},
	}
	list.Flags().StringVar(&filter, "title", "", "filter by title")

	cmd.AddCommand(create, list)
	return cmd
}

func newRunCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Submit and operate pipeline runs"}
	cmd.AddCommand(
		newSubmitCommand(opts),
		newListRunsCommand(opts),
		newStatusCommand(opts),
		newCancelCommand(opts),
		newRetryCommand(opts),
		newDecisionCommand(opts, "approve", "Approve", "Approve the stage awaiting review"),
		newDecisionCommand(opts, "reject", "Reject", "Reject the stage awaiting review and end the run"),
		newDecisionCommand(opts, "changes", "RequestChanges", "Send the stage back with edited input"),
	)
	return cmd
}

func newSubmitCommand(opts *options) *cobra.Command {
	var projectID, story, storyFile, style, from, to string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if storyFile != "" {
				data, err := readInput(cmd, storyFile)
				if err != nil {
					return err
				}
				story = string(data)
			}
			req := map[string]any{
				"from_stage": from,
				"to_stage":   to,
				"input":      map[string]string{"story_text": story, "style": style},
			}
			var out struct {
				RunID string `json:"run_id"`
			}
			path := "/v1/projects/" + url.PathEscape(projectID) + "/runs"
			if err := opts.client().Do(cmd.Context(), http.MethodPost, path, nil, req, &out); err != nil {
				return err
			}
			return opts.printer(cmd).emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "submitted run %s\n", out.RunID)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&story, "story", "", "story text")
	cmd.Flags().StringVar(&storyFile, "story-file", "", "read the story from a file (- for stdin)")
	cmd.Flags().StringVar(&style, "style", "", "visual style hint")
	cmd.Flags().StringVar(&from, "from", "", "first stage of the run window")
	cmd.Flags().StringVar(&to, "to", "", "last stage of the run window")
	_ = cmd.MarkFlagRequired("project")
	cmd.MarkFlagsMutuallyExclusive("story", "story-file")
	return cmd
}

func newListRunsCommand(opts *options) *cobra.Command {
	var projectID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			var out struct {
				Runs []Run `json:"runs"`
			}
			path := "/v1/projects/" + url.PathEscape(projectID) + "/runs"
			if err := opts.client().Do(cmd.Context(), http.MethodGet, path, query, nil, &out); err != nil {
				return err
			}
			return opts.printer(cmd).emit(out, func(w io.Writer) { writeRuns(w, out.Runs) })
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show run and per-stage status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view RunView
			if err := opts.client().Do(cmd.Context(), http.MethodGet, "/v1/runs/"+url.PathEscape(args[0]), nil, nil, &view); err != nil {
				return err
			}
			return opts.printer(cmd).emit(view, func(w io.Writer) { writeRunView(w, view) })
		},
	}
}

func newCancelCommand(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a live run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run Run
			path := "/v1/runs/" + url.PathEscape(args[0]) + "/cancel"
			if err := opts.client().Do(cmd.Context(), http.MethodPost, path, nil, map[string]string{"reason": reason}, &run); err != nil {
				return err
			}
			return opts.printer(cmd).emit(run, func(w io.Writer) {
				fmt.Fprintf(w, "run %s %s\n", run.ID, styleStatus(run.Status))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func newRetryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry RUN_ID STAGE",
		Short: "Retry the failed stage of a failed run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var attempt Attempt
			path := "/v1/runs/" + url.PathEscape(args[0]) + "/stages/" + url.PathEscape(args[1]) + "/retry"
			if err := opts.client().Do(cmd.Context(), http.MethodPost, path, nil, nil, &attempt); err != nil {
				return err
			}
			return opts.printer(cmd).emit(attempt, func(w io.Writer) {
				fmt.Fprintf(w, "scheduled %s attempt %d\n", args[1], attempt.Attempt)
			})
		},
	}
}

func newDecisionCommand(opts *options, use, decision, short string) *cobra.Command {
	var stage, note, editedFile string
	cmd := &cobra.Command{
		Use:   use + " RUN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"decision": decision}
			if note != "" {
				req["note"] = note
			}
			if editedFile != "" {
				data, err := readInput(cmd, editedFile)
				if err != nil {
					return err
				}
				if !json.Valid(data) {
					return fmt.Errorf("%s does not contain valid JSON", editedFile)
				}
				req["edited_input"] = json.RawMessage(data)
			} else if decision == "RequestChanges" {
				return errors.New("--edited-file is required when requesting changes")
			}
			var out Decision
			path := "/v1/runs/" + url.PathEscape(args[0]) + "/stages/" + url.PathEscape(stage) + "/decision"
			if err := opts.client().Do(cmd.Context(), http.MethodPost, path, nil, req, &out); err != nil {
				return err
			}
			return opts.printer(cmd).emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "recorded %s for %s attempt %d\n", out.Decision, out.Stage, out.Attempt)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "Screenplay", "stage awaiting review")
	cmd.Flags().StringVar(&note, "note", "", "note stored with the decision")
	if decision == "RequestChanges" {
		cmd.Flags().StringVar(&editedFile, "edited-file", "", "JSON stage input for the next attempt (- for stdin)")
	}
	return cmd
}

func newArtifactCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "artifact", Short: "Inspect run artifacts"}

	var stage string
	list := &cobra.Command{
		Use:   "list RUN_ID",
		Short: "List committed artifacts of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if stage != "" {
				query.Set("stage", stage)
			}
			var out struct {
				Artifacts []Artifact `json:"artifacts"`
			}
			path := "/v1/runs/" + url.PathEscape(args[0]) + "/artifacts"
			if err := opts.client().Do(cmd.Context(), http.MethodGet, path, query, nil, &out); err != nil {
				return err
			}
			return opts.printer(cmd).emit(out, func(w io.Writer) { writeArtifacts(w, out.Artifacts) })
		},
	}
	list.Flags().StringVar(&stage, "stage", "", "only artifacts of this stage")

	var output string
	get := &cobra.Command{
		Use:   "get ARTIFACT_ID",
		Short: "Download an artifact payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, header, err := opts.client().Raw(cmd.Context(), "/v1/artifacts/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s (sha256 %s)\n", len(body), output, header.Get("X-Artifact-Sha256"))
			return nil
		},
	}
	get.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")

	var ttl time.Duration
	link := &cobra.Command{
		Use:   "url ARTIFACT_ID",
		Short: "Print a presigned download URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if ttl > 0 {
				query.Set("ttl", ttl.String())
			}
			var out struct {
				URL string `json:"url"`
			}
			if err := opts.client().Do(cmd.Context(), http.MethodGet, "/v1/artifacts/"+url.PathEscape(args[0])+"/url", query, nil, &out); err != nil {
				return err
			}
			return opts.printer(cmd).emit(out, func(w io.Writer) { fmt.Fprintln(w, out.URL) })
		},
	}
	link.Flags().DurationVar(&ttl, "ttl", 0, "URL lifetime")

	cmd.AddCommand(list, get, link)
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
