// Package txn implements the transaction and rollback manager. Every
// mutating side effect performed during a plan run is recorded as an
// OperationRecord in an append-only per-transaction log, and can be undone
// individually or as part of a best-effort reverse sweep over the whole
// transaction.
package txn

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veltaria/planrun/pkg/governance"
)

// Transaction statuses.
const (
	StatusActive    = "active"
	StatusCommitted = "committed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Operation kinds.
const (
	OpFilesystem = "filesystem"
	OpContent    = "content"
	OpCommand    = "command"
	OpPlanStep   = "plan-step"
)

// Undo action kinds understood by the rollback sweep.
const (
	UndoRestore  = "restore"   // copy BackupPath back over Path
	UndoRemove   = "remove"    // remove the created Path
	UndoMoveBack = "move_back" // move Dest back to Path
	UndoCommand  = "command"   // run the compensating Argv
	UndoNone     = "none"      // marker only, nothing to undo
)

// UndoSpec describes how to reverse one recorded operation. It is opaque to
// the engine; only the component that performed the mutation and the
// rollback sweep assign meaning to its fields.
type UndoSpec struct {
	Kind       string   `json:"kind"`
	Path       string   `json:"path,omitempty"`
	Dest       string   `json:"dest,omitempty"`
	BackupPath string   `json:"backup_path,omitempty"`
	Argv       []string `json:"argv,omitempty"`
	Note       string   `json:"note,omitempty"`
}

// OperationRecord is one logged, individually undoable side effect.
type OperationRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // filesystem, content, command, plan-step
	TxnID     string    `json:"transaction_id"`
	StepID    string    `json:"step_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Undo      UndoSpec  `json:"undo"`
}

// Transaction is a bounded group of operations for one plan run.
type Transaction struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	OperationIDs []string  `json:"operation_ids"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitzero"`
}

// Manager owns the on-disk transaction store. Writes within a transaction
// are serialized; the log may be read concurrently by the rollback CLI.
type Manager struct {
	Root string // state dir, e.g. ".planrun"
	Gov  *governance.Engine

	mu   sync.Mutex
	logs map[string]*opLog // open append logs by transaction id
}

// NewManager creates a manager rooted at dir (created on demand).
func NewManager(dir string) *Manager {
	return &Manager{Root: dir, logs: make(map[string]*opLog)}
}

func (m *Manager) txnDir(txnID string) string {
	return filepath.Join(m.Root, "txns", txnID)
}

// BackupDir returns the backup directory for a transaction, creating it if
// needed. Executors place pre-mutation copies here and reference them from
// their UndoSpecs.
func (m *Manager) BackupDir(txnID string) (string, error) {
	dir := filepath.Join(m.txnDir(txnID), "backups")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	return dir, nil
}

// BackupFile copies path into the transaction's backup directory and
// returns the backup path for use in an UndoSpec.
func (m *Manager) BackupFile(txnID, path string) (string, error) {
	dir, err := m.BackupDir(txnID)
	if err != nil {
		return "", err
	}
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for backup: %w", path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	backup := filepath.Join(dir, uuid.NewString()+"-"+filepath.Base(path))
	dst, err := os.OpenFile(backup, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copy backup: %w", err)
	}
	return backup, nil
}

// Begin creates a new active transaction. Called once before scheduling
// starts; never called for dry runs.
func (m *Manager) Begin() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Transaction{
		ID:        uuid.NewString(),
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}
	dir := m.txnDir(t.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create transaction dir: %w", err)
	}
	if err := m.writeMeta(t); err != nil {
		return nil, err
	}
	log, err := openOpLog(filepath.Join(dir, "ops.jsonl"))
	if err != nil {
		return nil, err
	}
	m.logs[t.ID] = log
	return t, nil
}

// Record appends an operation to the transaction log. The caller must
// invoke it after the side effect succeeds and before the owning step is
// reported complete, so a recorded mutation is always undoable.
func (m *Manager) Record(txnID, kind, stepID string, undo UndoSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.readMeta(txnID)
	if err != nil {
		return "", err
	}
	if t.Status != StatusActive {
		return "", fmt.Errorf("transaction %s is %s, not active", txnID, t.Status)
	}

	rec := &OperationRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		TxnID:     txnID,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
		Undo:      undo,
	}

	log := m.logs[txnID]
	if log == nil {
		log, err = openOpLog(filepath.Join(m.txnDir(txnID), "ops.jsonl"))
		if err != nil {
			return "", err
		}
		m.logs[txnID] = log
	}
	if err := log.append(rec); err != nil {
		return "", err
	}

	t.OperationIDs = append(t.OperationIDs, rec.ID)
	if err := m.writeMeta(t); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// End closes a transaction with the given terminal status.
func (m *Manager) End(txnID, status string) error {
	switch status {
	case StatusCommitted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("invalid terminal status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.readMeta(txnID)
	if err != nil {
		return err
	}
	if t.Status != StatusActive {
		return fmt.Errorf("transaction %s already ended (%s)", txnID, t.Status)
	}
	t.Status = status
	t.EndedAt = time.Now().UTC()
	if err := m.writeMeta(t); err != nil {
		return err
	}
	if log := m.logs[txnID]; log != nil {
		log.close()
		delete(m.logs, txnID)
	}
	return nil
}

// Get loads one transaction by id.
func (m *Manager) Get(txnID string) (*Transaction, error) {
	return m.readMeta(txnID)
}

// List returns recent transactions, newest first.
func (m *Manager) List(limit int) ([]*Transaction, error) {
	entries, err := os.ReadDir(filepath.Join(m.Root, "txns"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transaction index: %w", err)
	}
	var txns []*Transaction
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := m.readMeta(e.Name())
		if err != nil {
			continue // unreadable entry, skip
		}
		txns = append(txns, t)
	}
	sort.Slice(txns, func(i, j int) bool {
		return txns[i].StartedAt.After(txns[j].StartedAt)
	})
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

// Operations reads the full operation log of a transaction in record order.
func (m *Manager) Operations(txnID string) ([]*OperationRecord, error) {
	return readOpLog(filepath.Join(m.txnDir(txnID), "ops.jsonl"))
}

// FindOperation locates an operation by id across all transactions.
func (m *Manager) FindOperation(opID string) (*OperationRecord, error) {
	txns, err := m.List(0)
	if err != nil {
		return nil, err
	}
	for _, t := range txns {
		ops, err := m.Operations(t.ID)
		if err != nil {
			continue
		}
		for _, op := range ops {
			if op.ID == opID {
				return op, nil
			}
		}
	}
	return nil, fmt.Errorf("operation %q not found", opID)
}

func (m *Manager) writeMeta(t *Transaction) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	path := filepath.Join(m.txnDir(t.ID), "txn.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write transaction meta: %w", err)
	}
	return nil
}

func (m *Manager) readMeta(txnID string) (*Transaction, error) {
	data, err := os.ReadFile(filepath.Join(m.txnDir(txnID), "txn.json"))
	if err != nil {
		return nil, fmt.Errorf("read transaction %s: %w", txnID, err)
	}
	var t Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transaction %s: %w", txnID, err)
	}
	return &t, nil
}
