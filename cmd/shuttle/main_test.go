package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/shuttle/internal/control"
	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/internal/tasks"
	"github.com/jordanhubbard/shuttle/pkg/models"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&tasks.ConflictError{TaskID: "a", Op: "claim", Status: models.TaskStatusDone}, 3},
		{fmt.Errorf("show: %w", graph.ErrNotFound), 4},
		{fmt.Errorf("mutate: %w", graph.ErrLockTimeout), 5},
		{fmt.Errorf("%w: /tmp/x.sock", control.ErrDaemonUnavailable), 6},
		{fmt.Errorf("boom"), 1},
	}
	for _, tc := range tests {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func testRoot() *cobra.Command {
	cmd := &cobra.Command{Use: "shuttle"}
	cmd.PersistentFlags().StringVarP(&storeDir, "dir", "C", ".shuttle", "")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "")
	return cmd
}

func TestLoadConfig_FromStoreDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".shuttle")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "graph:\n  dir: elsewhere\ncoordinator:\n  max_workers: 9\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	root := testRoot()
	if err := root.PersistentFlags().Parse([]string{"--dir", dir}); err != nil {
		t.Fatal(err)
	}
	defer func() { configPath = "" }()
	if err := loadConfig(root); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Graph.Dir != dir {
		t.Errorf("Graph.Dir = %q, want %q", cfg.Graph.Dir, dir)
	}
	if cfg.Coordinator.MaxWorkers != 9 {
		t.Errorf("MaxWorkers = %d, want 9", cfg.Coordinator.MaxWorkers)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "none")
	root := testRoot()
	if err := root.PersistentFlags().Parse([]string{"--dir", dir}); err != nil {
		t.Fatal(err)
	}
	if err := loadConfig(root); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Graph.Dir != dir {
		t.Errorf("Graph.Dir = %q, want %q", cfg.Graph.Dir, dir)
	}
	if cfg.Coordinator.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want default 4", cfg.Coordinator.MaxWorkers)
	}
}
