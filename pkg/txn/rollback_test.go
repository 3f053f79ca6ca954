package txn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRollbackReverseOrder(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()
	tx, _ := mgr.Begin()

	// A: created file, B: created file, C: created file
	paths := map[string]string{}
	for _, step := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, step+".txt")
		os.WriteFile(p, []byte(step), 0o644)
		paths[step] = p
		mgr.Record(tx.ID, OpFilesystem, step, UndoSpec{Kind: UndoRemove, Path: p})
	}
	mgr.End(tx.ID, StatusFailed)

	report, err := mgr.RollbackTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !report.Succeeded() {
		t.Fatalf("rollback errors: %v", report.Errors())
	}
	if len(report.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(report.Entries))
	}
	if report.Entries[0].StepID != "c" || report.Entries[1].StepID != "b" || report.Entries[2].StepID != "a" {
		t.Errorf("sweep order = %s, %s, %s; want c, b, a",
			report.Entries[0].StepID, report.Entries[1].StepID, report.Entries[2].StepID)
	}
	for step, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("file for step %s still exists", step)
		}
	}
}

func TestRollbackContinuesPastFailure(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()
	tx, _ := mgr.Begin()

	first := filepath.Join(dir, "first.txt")
	os.WriteFile(first, []byte("x"), 0o644)
	mgr.Record(tx.ID, OpFilesystem, "first", UndoSpec{Kind: UndoRemove, Path: first})
	// restore with a missing backup cannot succeed
	mgr.Record(tx.ID, OpContent, "broken", UndoSpec{Kind: UndoRestore, Path: filepath.Join(dir, "t.txt"), BackupPath: filepath.Join(dir, "missing.bak")})
	mgr.End(tx.ID, StatusFailed)

	report, err := mgr.RollbackTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if report.Succeeded() {
		t.Fatal("expected a failed entry")
	}
	if len(report.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(report.Entries))
	}
	// the broken op is swept first (reverse order) and must not abort the rest
	if report.Entries[0].OK {
		t.Error("broken undo reported OK")
	}
	if !report.Entries[1].OK {
		t.Errorf("later op not undone: %s", report.Entries[1].Error)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Error("first.txt not removed despite earlier failure")
	}
}

func TestRollbackIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()
	tx, _ := mgr.Begin()

	p := filepath.Join(dir, "once.txt")
	os.WriteFile(p, []byte("x"), 0o644)
	mgr.Record(tx.ID, OpFilesystem, "once", UndoSpec{Kind: UndoRemove, Path: p})
	mgr.End(tx.ID, StatusFailed)

	if _, err := mgr.RollbackTransaction(context.Background(), tx.ID); err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	report, err := mgr.RollbackTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if len(report.Entries) != 1 || !report.Entries[0].Skipped {
		t.Errorf("second sweep entries = %+v, want skipped", report.Entries)
	}
}

func TestRollbackRestore(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()
	tx, _ := mgr.Begin()

	target := filepath.Join(dir, "conf.txt")
	os.WriteFile(target, []byte("old"), 0o644)
	backup, err := mgr.BackupFile(tx.ID, target)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	os.WriteFile(target, []byte("new"), 0o644)
	mgr.Record(tx.ID, OpContent, "edit", UndoSpec{Kind: UndoRestore, Path: target, BackupPath: backup})
	mgr.End(tx.ID, StatusFailed)

	report, err := mgr.RollbackTransaction(context.Background(), tx.ID)
	if err != nil || !report.Succeeded() {
		t.Fatalf("rollback: %v, %+v", err, report)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "old" {
		t.Errorf("restored content = %q, want old", data)
	}
}

func TestRollbackMoveBack(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()
	tx, _ := mgr.Begin()

	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "b.txt")
	os.WriteFile(dst, []byte("moved"), 0o644) // already moved by the step
	mgr.Record(tx.ID, OpFilesystem, "mv", UndoSpec{Kind: UndoMoveBack, Path: src, Dest: dst})
	mgr.End(tx.ID, StatusFailed)

	report, err := mgr.RollbackTransaction(context.Background(), tx.ID)
	if err != nil || !report.Succeeded() {
		t.Fatalf("rollback: %v, %+v", err, report)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("move not reversed: %v", err)
	}
}

func TestRollbackSingleOperation(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()
	tx, _ := mgr.Begin()

	keep := filepath.Join(dir, "keep.txt")
	undo := filepath.Join(dir, "undo.txt")
	os.WriteFile(keep, []byte("k"), 0o644)
	os.WriteFile(undo, []byte("u"), 0o644)
	mgr.Record(tx.ID, OpFilesystem, "keep", UndoSpec{Kind: UndoRemove, Path: keep})
	opID, _ := mgr.Record(tx.ID, OpFilesystem, "undo", UndoSpec{Kind: UndoRemove, Path: undo})
	mgr.End(tx.ID, StatusCommitted)

	report, err := mgr.RollbackOperation(context.Background(), opID)
	if err != nil || !report.Succeeded() {
		t.Fatalf("rollback op: %v, %+v", err, report)
	}
	if _, err := os.Stat(undo); !os.IsNotExist(err) {
		t.Error("targeted op not undone")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("untargeted op was undone")
	}
}
