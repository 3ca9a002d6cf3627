package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/fixctl/internal/testutil/testlog"
)

func TestFileRepositoryContract(t *testing.T) {
	testlog.Start(t)
	repo, err := OpenFile(filepath.Join(t.TempDir(), "sessions.toml"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	exerciseRepository(t, repo)
}

func TestFileSurvivesReopen(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sessions.toml")

	repo, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	state, err := repo.GetOrCreate(ctx, testID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	state.NextInbound = 12
	state.NextOutbound = 9
	state.Status = StatusActive
	if err := repo.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.Contains(string(data), "sender_comp_id") || !strings.Contains(string(data), "AAA") {
		t.Fatalf("snapshot missing identity:\n%s", data)
	}

	// Simulates a crash: the claim is never released.
	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetOrCreate(ctx, testID)
	if err != nil {
		t.Fatalf("claim after reopen: %v", err)
	}
	if got.NextInbound != 12 || got.NextOutbound != 9 {
		t.Fatalf("sequences lost: %+v", got)
	}
	if got.Status != StatusLoggedOut {
		t.Fatalf("active status should not survive restart, got=%s", got.Status)
	}
}

func TestFileRejectsCorruptSnapshot(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "sessions.toml")
	body := "[[sessions]]\nsender_comp_id = 'AAA'\ntarget_comp_id = 'BBBB'\nnext_inbound = 0\nnext_outbound = 1\nstatus = 'active'\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenFile(path); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("err got=%v want=%v", err, ErrCorruptState)
	}

	if err := os.WriteFile(path, []byte("sessions = ["), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenFile(path); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("err got=%v want=%v", err, ErrCorruptState)
	}
}
