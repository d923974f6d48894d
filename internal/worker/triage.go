package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jordanhubbard/shuttle/pkg/models"
)

// Verdict classifies the partial output of a dead worker.
type Verdict string

const (
	// VerdictDone: the work is complete; mark the task done.
	VerdictDone Verdict = "done"
	// VerdictContinue: reopen with the output tail as recovery context.
	VerdictContinue Verdict = "continue"
	// VerdictRestart: reopen fresh.
	VerdictRestart Verdict = "restart"
)

// TriageInput is what a triager sees about a dead worker.
type TriageInput struct {
	Task       *models.Task
	Worker     *models.WorkerRecord
	Reason     string
	OutputTail string
}

// Triager decides what happens to a dead worker's task.
type Triager interface {
	Triage(ctx context.Context, in TriageInput) (Verdict, string, error)
}

// outputTailBytes caps how much worker output feeds triage and recovery notes.
const outputTailBytes = 4096

func readTail(path string, n int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	if st.Size() > n {
		if _, err := f.Seek(st.Size()-n, io.SeekStart); err != nil {
			return ""
		}
	}
	data, _ := io.ReadAll(io.LimitReader(f, n))
	return string(data)
}

// CommandTriager pipes a triage prompt to an external evaluator command and
// reads the first verdict word from its output.
type CommandTriager struct {
	Command string
	Args    []string
	Model   string
	// ModelFlag precedes Model on the command line when both are set.
	ModelFlag string
	Timeout   time.Duration
}

// Triage runs the evaluator.
func (c *CommandTriager) Triage(ctx context.Context, in TriageInput) (Verdict, string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), c.Args...)
	if c.Model != "" && c.ModelFlag != "" {
		args = append(args, c.ModelFlag, c.Model)
	}
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Stdin = strings.NewReader(triagePrompt(in))
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", "", fmt.Errorf("triage command: %w", err)
	}
	v, err := ParseVerdict(out.String())
	if err != nil {
		return "", "", err
	}
	return v, strings.TrimSpace(out.String()), nil
}

func triagePrompt(in TriageInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A worker on task %s (%s) stopped: %s.\n", in.Task.ID, in.Task.Title, in.Reason)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "\nTask description:\n%s\n", in.Task.Description)
	}
	fmt.Fprintf(&b, "\nLast output:\n%s\n", in.OutputTail)
	b.WriteString("\nAnswer with exactly one word: done (task complete), continue (resume from this output) or restart (start over).\n")
	return b.String()
}

// ParseVerdict finds the first verdict word in s.
func ParseVerdict(s string) (Verdict, error) {
	for _, f := range strings.Fields(strings.ToLower(s)) {
		switch Verdict(strings.Trim(f, ".,:;!\"'`*")) {
		case VerdictDone:
			return VerdictDone, nil
		case VerdictContinue:
			return VerdictContinue, nil
		case VerdictRestart:
			return VerdictRestart, nil
		}
	}
	return "", ErrTriageUnparsable
}
