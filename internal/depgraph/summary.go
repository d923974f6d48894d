package depgraph

import (
	"fmt"
	"time"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// Summary counts tasks by status.
type Summary struct {
	Total          int                       `json:"total"`
	ByStatus       map[models.TaskStatus]int `json:"by_status"`
	Ready          int                       `json:"ready"`
	Cycles         int                       `json:"cycles"`
	UnknownRecords int                       `json:"unknown_records,omitempty"`
}

// Summarize returns status counts and the number of cycles.
func Summarize(g *graph.Graph, now time.Time) (*Summary, error) {
	s := &Summary{
		Total:          g.Len(),
		ByStatus:       make(map[models.TaskStatus]int),
		UnknownRecords: g.UnknownRecords(),
	}
	for _, t := range g.Tasks() {
		s.ByStatus[t.Status]++
		if IsReady(g, t, now) {
			s.Ready++
		}
	}
	cycles, err := Cycles(g)
	if err != nil {
		return nil, err
	}
	s.Cycles = len(cycles)
	return s, nil
}

// Severity grades a check finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Finding is one result of Check.
type Finding struct {
	Severity Severity `json:"severity"`
	TaskID   string   `json:"task_id,omitempty"`
	Members  []string `json:"members,omitempty"`
	Message  string   `json:"message"`
}

// Check lints the graph: dangling references, blockers that can never
// complete, loop edges with unknown targets, and classified cycles. Findings
// never block any operation.
func Check(g *graph.Graph) ([]Finding, error) {
	var findings []Finding
	for _, t := range g.Tasks() {
		for _, dep := range t.BlockedBy {
			dt, ok := g.Get(dep)
			switch {
			case !ok:
				findings = append(findings, Finding{
					Severity: SeverityError,
					TaskID:   t.ID,
					Message:  fmt.Sprintf("blocked by unknown task %q", dep),
				})
			case dt.Status == models.TaskStatusAbandoned && remaining(t):
				findings = append(findings, Finding{
					Severity: SeverityWarning,
					TaskID:   t.ID,
					Message:  fmt.Sprintf("blocked by abandoned task %q; it can never become ready", dep),
				})
			}
		}
		for _, e := range t.LoopsTo {
			if !g.Has(e.Target) {
				findings = append(findings, Finding{
					Severity: SeverityError,
					TaskID:   t.ID,
					Message:  fmt.Sprintf("loop edge targets unknown task %q", e.Target),
				})
			}
			if e.MaxIterations <= 0 {
				findings = append(findings, Finding{
					Severity: SeverityWarning,
					TaskID:   t.ID,
					Message:  fmt.Sprintf("loop edge to %q has no iteration cap and will never fire", e.Target),
				})
			}
			if _, err := e.DelayDuration(); err != nil {
				findings = append(findings, Finding{Severity: SeverityError, TaskID: t.ID, Message: err.Error()})
			}
		}
	}

	cycles, err := Cycles(g)
	if err != nil {
		return nil, err
	}
	for _, c := range cycles {
		f := Finding{Members: c.Members}
		switch c.Class {
		case CycleIntentional:
			f.Severity = SeverityInfo
			f.Message = "intentional cycle"
		case CycleWarning:
			f.Severity = SeverityWarning
			f.Message = "short dependency cycle; members can never become ready"
		default:
			f.Severity = SeverityInfo
			f.Message = fmt.Sprintf("dependency cycle of %d tasks; members can never become ready", len(c.Members))
		}
		findings = append(findings, f)
	}
	return findings, nil
}
