package graph

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/jordanhubbard/shuttle/pkg/models"
)

// KindTask tags task records in the NDJSON file.
const KindTask = "task"

const maxRecordSize = 16 * 1024 * 1024

type envelope struct {
	Kind string `json:"kind"`
}

type taskRecord struct {
	Kind string `json:"kind"`
	*models.Task
}

// Decode reads an NDJSON graph. Blank lines are skipped; records of unknown
// kind are kept verbatim so Encode writes them back. A later task record
// with an id already seen replaces the earlier one.
func Decode(r io.Reader) (*Graph, error) {
	g := New()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
		}
		if env.Kind != KindTask {
			g.extra = append(g.extra, append(json.RawMessage(nil), raw...))
			continue
		}
		rec := taskRecord{Task: &models.Task{}}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("%w: line %d: task without id", ErrCorrupt, line)
		}
		if rec.Status == "" {
			rec.Status = models.TaskStatusOpen
		}
		if g.Has(rec.ID) {
			log.Printf("[Graph] Duplicate record for %s at line %d supersedes earlier one", rec.ID, line)
		}
		g.put(rec.Task)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return g, nil
}

// Encode writes tasks in order followed by preserved unknown records.
func Encode(w io.Writer, g *Graph) error {
	bw := bufio.NewWriter(w)
	for _, t := range g.tasks {
		data, err := json.Marshal(taskRecord{Kind: KindTask, Task: t})
		if err != nil {
			return fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		bw.Write(data)
		bw.WriteByte('\n')
	}
	for _, raw := range g.extra {
		bw.Write(raw)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
