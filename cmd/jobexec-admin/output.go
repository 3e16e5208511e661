package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/target/jobexec/internal/domain/model"
)

type outputFormat string

const (
	outputTable outputFormat = "table"
	outputYAML  outputFormat = "yaml"
	outputJSON  outputFormat = "json"
)

// Set implements flag.Value.
func (f *outputFormat) Set(v string) error {
	switch outputFormat(strings.ToLower(strings.TrimSpace(v))) {
	case outputTable:
		*f = outputTable
	case outputYAML:
		*f = outputYAML
	case outputJSON:
		*f = outputJSON
	default:
		return fmt.Errorf("unknown output format %q (valid: table, yaml, json)", v)
	}
	return nil
}

func (f *outputFormat) String() string { return string(*f) }

func outputFlag(fs *flag.FlagSet) *outputFormat {
	f := outputTable
	fs.Var(&f, "output", "Output format: table, yaml or json")
	return &f
}

// render writes v as YAML or JSON, or calls table for the default tabular view.
func render(w io.Writer, format outputFormat, v any, table func(tw *tabwriter.Writer) error) error {
	switch format {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		if err := table(tw); err != nil {
			return err
		}
		return tw.Flush()
	}
}

// jobView is the operator-facing shape of a job.
type jobView struct {
	ID               string     `json:"id"                          yaml:"id"`
	State            string     `json:"state"                       yaml:"state"`
	Kind             string     `json:"kind"                        yaml:"kind"`
	HandlerType      string     `json:"handler_type"                yaml:"handler_type"`
	ScopeID          string     `json:"scope_id,omitempty"          yaml:"scope_id,omitempty"`
	Category         string     `json:"category,omitempty"          yaml:"category,omitempty"`
	Retries          int        `json:"retries"                     yaml:"retries"`
	Exclusive        bool       `json:"exclusive"                   yaml:"exclusive"`
	DueDate          *time.Time `json:"due_date,omitempty"          yaml:"due_date,omitempty"`
	Repeat           string     `json:"repeat,omitempty"            yaml:"repeat,omitempty"`
	LockOwner        string     `json:"lock_owner,omitempty"        yaml:"lock_owner,omitempty"`
	LockExpiresAt    *time.Time `json:"lock_expires_at,omitempty"   yaml:"lock_expires_at,omitempty"`
	ExceptionMessage string     `json:"exception_message,omitempty" yaml:"exception_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"                  yaml:"created_at"`
}

func newJobView(j *model.Job) jobView {
	v := jobView{
		ID:               j.ID,
		State:            string(j.State),
		Kind:             string(j.Kind),
		HandlerType:      j.HandlerType,
		ScopeID:          j.ScopeID,
		Category:         j.Category,
		Retries:          j.Retries,
		Exclusive:        j.Exclusive,
		DueDate:          j.DueDate,
		Repeat:           j.Repeat,
		LockExpiresAt:    j.LockExpiresAt,
		ExceptionMessage: j.ExceptionMessage,
		CreatedAt:        j.CreatedAt,
	}
	if j.LockOwner != nil {
		v.LockOwner = *j.LockOwner
	}
	return v
}

func newJobViews(jobs []*model.Job) []jobView {
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}
	return views
}

func renderJobs(w io.Writer, format outputFormat, jobs []*model.Job) error {
	views := newJobViews(jobs)
	return render(w, format, views, func(tw *tabwriter.Writer) error {
		if err := writeln(tw, "ID\tSTATE\tHANDLER\tSCOPE\tRETRIES\tDUE\tERROR"); err != nil {
			return err
		}
		for _, v := range views {
			if err := writef(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				v.ID, v.State, v.HandlerType, dash(v.ScopeID), v.Retries,
				formatTime(v.DueDate), truncate(v.ExceptionMessage, 60),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return dash(s)
	}
	return s[:n-3] + "..."
}
