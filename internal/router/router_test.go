package router

import (
	"testing"

	"github.com/geldata/gelsrv/internal/config"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Defaults: config.PoolDefaults{
			MinConnections: 2,
			MaxConnections: 20,
		},
		Branches: map[string]config.BranchConfig{
			"branch_1": {
				Host:     "pg-host-1",
				Port:     5432,
				DBName:   "db1",
				Username: "user1",
			},
			"branch_2": {
				Host:     "pg-host-2",
				Port:     5432,
				DBName:   "db2",
				Username: "user2",
			},
		},
	}
}

func TestResolve(t *testing.T) {
	r := New(newTestConfig())

	b, err := r.Resolve("branch_1")
	if err != nil {
		t.Fatalf("Resolve branch_1 failed: %v", err)
	}
	if b.Host != "pg-host-1" {
		t.Errorf("expected pg-host-1, got %s", b.Host)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New(newTestConfig())

	_, err := r.Resolve("nonexistent")
	if err == nil {
		t.Error("expected error for unknown branch")
	}
}

func TestAddAndRemoveBranch(t *testing.T) {
	r := New(newTestConfig())

	b := config.BranchConfig{
		Host:     "new-host",
		Port:     5432,
		DBName:   "newdb",
		Username: "newuser",
	}

	r.AddBranch("branch_3", b)

	resolved, err := r.Resolve("branch_3")
	if err != nil {
		t.Fatalf("Resolve branch_3 failed: %v", err)
	}
	if resolved.Host != "new-host" {
		t.Errorf("expected new-host, got %s", resolved.Host)
	}

	if !r.RemoveBranch("branch_3") {
		t.Error("RemoveBranch should return true")
	}

	_, err = r.Resolve("branch_3")
	if err == nil {
		t.Error("expected error after removal")
	}
}

func TestRemoveNonexistent(t *testing.T) {
	r := New(newTestConfig())

	if r.RemoveBranch("nonexistent") {
		t.Error("RemoveBranch should return false for nonexistent branch")
	}
}

func TestListBranches(t *testing.T) {
	r := New(newTestConfig())

	branches := r.ListBranches()
	if len(branches) != 2 {
		t.Errorf("expected 2 branches, got %d", len(branches))
	}
}

func TestReload(t *testing.T) {
	r := New(newTestConfig())

	newCfg := &config.Config{
		Defaults: config.PoolDefaults{
			MinConnections: 5,
			MaxConnections: 50,
		},
		Branches: map[string]config.BranchConfig{
			"branch_new": {
				Host:     "new-host",
				Port:     5432,
				DBName:   "newdb",
				Username: "newuser",
			},
		},
	}

	r.Reload(newCfg)

	// Old branches should be gone
	_, err := r.Resolve("branch_1")
	if err == nil {
		t.Error("expected error for old branch after reload")
	}

	// New branch should exist
	b, err := r.Resolve("branch_new")
	if err != nil {
		t.Fatalf("Resolve branch_new failed: %v", err)
	}
	if b.Host != "new-host" {
		t.Errorf("expected new-host, got %s", b.Host)
	}

	// Defaults should be updated
	defaults := r.Defaults()
	if defaults.MaxConnections != 50 {
		t.Errorf("expected max connections 50, got %d", defaults.MaxConnections)
	}
}

func TestPauseResumeBranch(t *testing.T) {
	r := New(newTestConfig())

	// Initially not paused
	if r.IsPaused("branch_1") {
		t.Error("branch_1 should not be paused initially")
	}

	// Pause
	if !r.PauseBranch("branch_1") {
		t.Error("PauseBranch should return true for existing branch")
	}
	if !r.IsPaused("branch_1") {
		t.Error("branch_1 should be paused")
	}

	// Other branch unaffected
	if r.IsPaused("branch_2") {
		t.Error("branch_2 should not be paused")
	}

	// Resume
	if !r.ResumeBranch("branch_1") {
		t.Error("ResumeBranch should return true for existing branch")
	}
	if r.IsPaused("branch_1") {
		t.Error("branch_1 should not be paused after resume")
	}

	// Pause nonexistent
	if r.PauseBranch("nonexistent") {
		t.Error("PauseBranch should return false for nonexistent branch")
	}
	if r.ResumeBranch("nonexistent") {
		t.Error("ResumeBranch should return false for nonexistent branch")
	}

	// Pause then remove — paused state should be cleaned up
	r.PauseBranch("branch_1")
	r.RemoveBranch("branch_1")
	if r.IsPaused("branch_1") {
		t.Error("paused state should be cleaned up after removal")
	}
}
