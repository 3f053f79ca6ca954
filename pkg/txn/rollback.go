package txn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/veltaria/planrun/pkg/errs"
)

// RollbackEntry reports the outcome of undoing one operation.
type RollbackEntry struct {
	OpID    string    `json:"op_id"`
	Kind    string    `json:"kind"`
	StepID  string    `json:"step_id,omitempty"`
	OK      bool      `json:"ok"`
	Skipped bool      `json:"skipped,omitempty"` // already rolled back earlier
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// RollbackReport is the complete picture of a rollback sweep: which
// operations were undone and which failed. A failed undo never aborts the
// remaining sweep.
type RollbackReport struct {
	TxnID   string          `json:"transaction_id,omitempty"`
	Entries []RollbackEntry `json:"entries"`
}

// Succeeded reports whether every attempted undo succeeded.
func (r *RollbackReport) Succeeded() bool {
	for _, e := range r.Entries {
		if !e.OK && !e.Skipped {
			return false
		}
	}
	return true
}

// Errors converts failed entries into typed RollbackErrors.
func (r *RollbackReport) Errors() []error {
	var out []error
	for _, e := range r.Entries {
		if !e.OK && !e.Skipped {
			out = append(out, &errs.RollbackError{OpID: e.OpID, Err: fmt.Errorf("%s", e.Error)})
		}
	}
	return out
}

// RollbackTransaction undoes all operations of a transaction in strict
// reverse chronological order. Best-effort: a failure undoing one operation
// is reported and the sweep continues with the rest.
func (m *Manager) RollbackTransaction(ctx context.Context, txnID string) (*RollbackReport, error) {
	if _, err := m.readMeta(txnID); err != nil {
		return nil, err
	}
	ops, err := m.Operations(txnID)
	if err != nil {
		return nil, err
	}
	done, err := m.rolledBack(txnID)
	if err != nil {
		return nil, err
	}

	report := &RollbackReport{TxnID: txnID}
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		entry := RollbackEntry{OpID: op.ID, Kind: op.Kind, StepID: op.StepID, At: time.Now().UTC()}
		if done[op.ID] {
			entry.OK = true
			entry.Skipped = true
			report.Entries = append(report.Entries, entry)
			continue
		}
		if err := m.undo(ctx, op); err != nil {
			entry.Error = err.Error()
		} else {
			entry.OK = true
		}
		m.appendRollbackLedger(txnID, entry)
		report.Entries = append(report.Entries, entry)
	}
	return report, nil
}

// RollbackOperation undoes a single recorded operation by id.
func (m *Manager) RollbackOperation(ctx context.Context, opID string) (*RollbackReport, error) {
	op, err := m.FindOperation(opID)
	if err != nil {
		return nil, err
	}
	done, err := m.rolledBack(op.TxnID)
	if err != nil {
		return nil, err
	}

	entry := RollbackEntry{OpID: op.ID, Kind: op.Kind, StepID: op.StepID, At: time.Now().UTC()}
	if done[op.ID] {
		entry.OK = true
		entry.Skipped = true
	} else if err := m.undo(ctx, op); err != nil {
		entry.Error = err.Error()
		m.appendRollbackLedger(op.TxnID, entry)
	} else {
		entry.OK = true
		m.appendRollbackLedger(op.TxnID, entry)
	}
	return &RollbackReport{TxnID: op.TxnID, Entries: []RollbackEntry{entry}}, nil
}

// undo dispatches on the undo action kind.
func (m *Manager) undo(ctx context.Context, op *OperationRecord) error {
	spec := op.Undo
	switch spec.Kind {
	case UndoRestore:
		return restoreFile(spec.BackupPath, spec.Path)
	case UndoRemove:
		return removeCreated(spec.Path)
	case UndoMoveBack:
		if err := os.Rename(spec.Dest, spec.Path); err != nil {
			return fmt.Errorf("move %s back to %s: %w", spec.Dest, spec.Path, err)
		}
		return nil
	case UndoCommand:
		return m.runCompensating(ctx, spec.Argv)
	case UndoNone:
		return nil
	default:
		return fmt.Errorf("unknown undo kind %q", spec.Kind)
	}
}

func restoreFile(backup, path string) error {
	src, err := os.Open(backup)
	if err != nil {
		return fmt.Errorf("open backup %s: %w", backup, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat backup %s: %w", backup, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("recreate parent dir for %s: %w", path, err)
	}
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	return nil
}

func removeCreated(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// runCompensating executes a compensating command through the governance
// engine, if one is configured.
func (m *Manager) runCompensating(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("compensating command has empty argv")
	}
	if m.Gov != nil {
		if err := m.Gov.CheckCommand(argv[0]); err != nil {
			return fmt.Errorf("governance: %w", err)
		}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("compensating command %v: %w (stderr: %s)", argv, err, stderr.String())
	}
	return nil
}

// rolledBack reads the rollback ledger and returns the set of already
// undone operation ids, making repeated sweeps idempotent.
func (m *Manager) rolledBack(txnID string) (map[string]bool, error) {
	path := filepath.Join(m.txnDir(txnID), "rollback.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("open rollback ledger: %w", err)
	}
	defer f.Close()

	done := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e RollbackEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.OK {
			done[e.OpID] = true
		}
	}
	return done, scanner.Err()
}

func (m *Manager) appendRollbackLedger(txnID string, entry RollbackEntry) {
	path := filepath.Join(m.txnDir(txnID), "rollback.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return // ledger is advisory; the report still carries the result
	}
	defer f.Close()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f.Write(append(data, '\n'))
}
