package worker

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

// historyLines is how many task log lines a job carries as recovery context.
const historyLines = 10

// Upstream is a completed blocker whose results the worker can build on.
type Upstream struct {
	TaskID    string
	Title     string
	Artifacts []string
}

// Job is everything a worker process receives about its task.
type Job struct {
	WorkerID    string
	TaskID      string
	Title       string
	Description string
	Exec        string
	Verify      string
	Executor    string
	Model       string
	// Identity is an opaque instruction block supplied by the caller.
	Identity string
	Upstream []Upstream
	History  []string

	StoreDir   string
	WorkDir    string
	PromptPath string
	OutputPath string
	ScriptPath string
}

func newJob(g *graph.Graph, t *models.Task, workerID, executor, model, identity string) *Job {
	job := &Job{
		WorkerID:    workerID,
		TaskID:      t.ID,
		Title:       t.Title,
		Description: t.Description,
		Exec:        t.Exec,
		Verify:      t.Verify,
		Executor:    executor,
		Model:       model,
		Identity:    identity,
	}
	for _, id := range t.BlockedBy {
		b, ok := g.Get(id)
		if !ok || b.Status != models.TaskStatusDone {
			continue
		}
		job.Upstream = append(job.Upstream, Upstream{TaskID: b.ID, Title: b.Title, Artifacts: b.Artifacts})
	}
	log := t.Log
	if len(log) > historyLines {
		log = log[len(log)-historyLines:]
	}
	for _, e := range log {
		line := e.Timestamp.UTC().Format(time.RFC3339) + " "
		if e.Actor != "" {
			line += e.Actor + ": "
		}
		job.History = append(job.History, line+e.Message)
	}
	return job
}

var promptTemplate = template.Must(template.New("prompt").Parse(`# Task {{.TaskID}}: {{.Title}}
{{if .Description}}
{{.Description}}
{{end}}{{if .Identity}}
## Identity

{{.Identity}}
{{end}}{{if .Upstream}}
## Upstream results
{{range .Upstream}}
- {{.TaskID}}: {{.Title}}{{range .Artifacts}}
  - {{.}}{{end}}{{end}}
{{end}}{{if .History}}
## Task history
{{range .History}}
- {{.}}{{end}}
{{end}}
## Reporting

Exit with status 0 when the task is complete{{if .Verify}} (completion will be reviewed: {{.Verify}}){{end}}.
Exit non-zero if it cannot be completed.
`))

// RenderPrompt renders the prompt handed to LLM executors.
func (j *Job) RenderPrompt() (string, error) {
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, j); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

type wrapperData struct {
	*Job
	ShuttleBin       string
	HeartbeatSeconds int
	Command          string
	Stdin            string
	Env              []string
}

var wrapperTemplate = template.Must(template.New("wrapper").Funcs(template.FuncMap{
	"q":      shellQuote,
	"export": exportLine,
}).Parse(`#!/bin/sh
# worker {{.WorkerID}} for task {{.TaskID}}
SHUTTLE={{q .ShuttleBin}}
SHUTTLE_DIR={{q .StoreDir}}
SHUTTLE_TASK_ID={{q .TaskID}}
SHUTTLE_WORKER_ID={{q .WorkerID}}
SHUTTLE_MODEL={{q .Model}}
SHUTTLE_PROMPT_FILE={{q .PromptPath}}
SHUTTLE_OUTPUT_FILE={{q .OutputPath}}
export SHUTTLE_DIR SHUTTLE_TASK_ID SHUTTLE_WORKER_ID SHUTTLE_MODEL SHUTTLE_PROMPT_FILE SHUTTLE_OUTPUT_FILE
{{range .Env}}{{export .}}
{{end}}
report() {
  "$SHUTTLE" --dir "$SHUTTLE_DIR" "$@" --worker "$SHUTTLE_WORKER_ID" >>"$SHUTTLE_OUTPUT_FILE" 2>&1
}

"$SHUTTLE" --dir "$SHUTTLE_DIR" heartbeat "$SHUTTLE_WORKER_ID" >/dev/null 2>&1
(
  while sleep {{.HeartbeatSeconds}}; do
    "$SHUTTLE" --dir "$SHUTTLE_DIR" heartbeat "$SHUTTLE_WORKER_ID" >/dev/null 2>&1 || true
  done
) &
HEARTBEAT_PID=$!
trap 'kill $HEARTBEAT_PID 2>/dev/null' EXIT

{{.Command}}{{if .Stdin}} <{{q .Stdin}}{{end}} >>"$SHUTTLE_OUTPUT_FILE" 2>&1
rc=$?
kill $HEARTBEAT_PID 2>/dev/null

if [ "$rc" -eq 0 ]; then
{{- if .Verify}}
  report submit "$SHUTTLE_TASK_ID"
{{- else}}
  report done "$SHUTTLE_TASK_ID"
{{- end}}
else
  report fail "$SHUTTLE_TASK_ID" --reason "exit code $rc"
fi
`))

func renderWrapper(job *Job, inv Invocation, shuttleBin string, heartbeat time.Duration) (string, error) {
	secs := int(heartbeat / time.Second)
	if secs < 1 {
		secs = 1
	}
	quoted := make([]string, len(inv.Argv))
	for i, a := range inv.Argv {
		quoted[i] = shellQuote(a)
	}
	var buf bytes.Buffer
	err := wrapperTemplate.Execute(&buf, wrapperData{
		Job:              job,
		ShuttleBin:       shuttleBin,
		HeartbeatSeconds: secs,
		Command:          strings.Join(quoted, " "),
		Stdin:            inv.Stdin,
		Env:              inv.Env,
	})
	if err != nil {
		return "", fmt.Errorf("render wrapper: %w", err)
	}
	return buf.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// exportLine turns KEY=VALUE into a quoted export statement.
func exportLine(kv string) string {
	k, v, ok := strings.Cut(kv, "=")
	if !ok {
		return "export " + k
	}
	return "export " + k + "=" + shellQuote(v)
}
