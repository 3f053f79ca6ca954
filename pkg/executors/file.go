package executors

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/veltaria/planrun/pkg/plan"
	"github.com/veltaria/planrun/pkg/txn"
)

// File performs filesystem operations with backup-based undo. Before a
// destructive mutation it copies the prior content into the transaction's
// backup directory; the resulting UndoSpec is what makes the operation
// reversible.
type File struct {
	Mgr *txn.Manager
}

// Execute implements Executor.
func (e *File) Execute(ctx context.Context, execCtx *ExecutionContext, step *plan.Step) (*StepResult, error) {
	result := newResult(step)
	defer finish(result)

	payload := step.File
	if payload == nil {
		result.Fail(ErrKindExecution, "file step has no payload")
		return result, nil
	}

	if execCtx.DryRun {
		result.Success = true
		result.Output("dry_run", true)
		result.Output("would_execute", fmt.Sprintf("file %s %s", payload.Op, payload.Path))
		if payload.Dest != "" {
			result.Output("dest", payload.Dest)
		}
		return result, nil
	}

	switch payload.Op {
	case "read":
		e.read(payload, result)
	case "write":
		e.write(execCtx, payload, result)
	case "mkdir":
		e.mkdir(execCtx, payload, result)
	case "copy":
		e.copy(execCtx, payload, result)
	case "move":
		e.move(payload, result)
	case "delete":
		e.del(execCtx, payload, result)
	default:
		result.Fail(ErrKindExecution, "unknown file op %q", payload.Op)
	}
	return result, nil
}

func (e *File) read(payload *plan.FileStep, result *StepResult) {
	data, err := os.ReadFile(payload.Path)
	if err != nil {
		result.Fail(ErrKindExecution, "read %s: %v", payload.Path, err)
		return
	}
	result.Success = true
	result.Output("path", payload.Path)
	result.Output("content", string(data))
	result.Output("size", len(data))
}

func (e *File) write(execCtx *ExecutionContext, payload *plan.FileStep, result *StepResult) {
	mode := fileMode(payload.Mode, 0644)
	existed := false
	var backup string
	if _, err := os.Stat(payload.Path); err == nil {
		existed = true
		backup, err = e.Mgr.BackupFile(execCtx.TxnID, payload.Path)
		if err != nil {
			result.Fail(ErrKindExecution, "backup before write: %v", err)
			return
		}
	}

	if err := os.WriteFile(payload.Path, []byte(payload.Content), mode); err != nil {
		result.Fail(ErrKindExecution, "write %s: %v", payload.Path, err)
		return
	}

	result.Success = true
	result.Output("path", payload.Path)
	result.Output("bytes_written", len(payload.Content))
	result.Output("created", !existed)
	if existed {
		result.Undo = append(result.Undo, RecordedOp{
			Kind: txn.OpContent,
			Undo: txn.UndoSpec{Kind: txn.UndoRestore, Path: payload.Path, BackupPath: backup},
		})
	} else {
		result.Undo = append(result.Undo, RecordedOp{
			Kind: txn.OpFilesystem,
			Undo: txn.UndoSpec{Kind: txn.UndoRemove, Path: payload.Path},
		})
	}
}

func (e *File) mkdir(execCtx *ExecutionContext, payload *plan.FileStep, result *StepResult) {
	if info, err := os.Stat(payload.Path); err == nil {
		if !info.IsDir() {
			result.Fail(ErrKindExecution, "mkdir %s: path exists and is not a directory", payload.Path)
			return
		}
		result.Success = true
		result.Output("path", payload.Path)
		result.Output("created", false)
		return
	}

	if err := os.Mkdir(payload.Path, fileMode(payload.Mode, 0755)); err != nil {
		result.Fail(ErrKindExecution, "mkdir %s: %v", payload.Path, err)
		return
	}
	result.Success = true
	result.Output("path", payload.Path)
	result.Output("created", true)
	result.Undo = append(result.Undo, RecordedOp{
		Kind: txn.OpFilesystem,
		Undo: txn.UndoSpec{Kind: txn.UndoRemove, Path: payload.Path},
	})
}

func (e *File) copy(execCtx *ExecutionContext, payload *plan.FileStep, result *StepResult) {
	destExisted := false
	var backup string
	if _, err := os.Stat(payload.Dest); err == nil {
		destExisted = true
		backup, err = e.Mgr.BackupFile(execCtx.TxnID, payload.Dest)
		if err != nil {
			result.Fail(ErrKindExecution, "backup before copy: %v", err)
			return
		}
	}

	if err := copyFile(payload.Path, payload.Dest); err != nil {
		result.Fail(ErrKindExecution, "copy %s to %s: %v", payload.Path, payload.Dest, err)
		return
	}

	result.Success = true
	result.Output("path", payload.Path)
	result.Output("dest", payload.Dest)
	if destExisted {
		result.Undo = append(result.Undo, RecordedOp{
			Kind: txn.OpContent,
			Undo: txn.UndoSpec{Kind: txn.UndoRestore, Path: payload.Dest, BackupPath: backup},
		})
	} else {
		result.Undo = append(result.Undo, RecordedOp{
			Kind: txn.OpFilesystem,
			Undo: txn.UndoSpec{Kind: txn.UndoRemove, Path: payload.Dest},
		})
	}
}

func (e *File) move(payload *plan.FileStep, result *StepResult) {
	if err := os.Rename(payload.Path, payload.Dest); err != nil {
		result.Fail(ErrKindExecution, "move %s to %s: %v", payload.Path, payload.Dest, err)
		return
	}
	result.Success = true
	result.Output("path", payload.Path)
	result.Output("dest", payload.Dest)
	result.Undo = append(result.Undo, RecordedOp{
		Kind: txn.OpFilesystem,
		Undo: txn.UndoSpec{Kind: txn.UndoMoveBack, Path: payload.Path, Dest: payload.Dest},
	})
}

func (e *File) del(execCtx *ExecutionContext, payload *plan.FileStep, result *StepResult) {
	info, err := os.Stat(payload.Path)
	if err != nil {
		result.Fail(ErrKindExecution, "delete %s: %v", payload.Path, err)
		return
	}
	if info.IsDir() {
		result.Fail(ErrKindExecution, "delete %s: is a directory (only files are deletable)", payload.Path)
		return
	}

	backup, err := e.Mgr.BackupFile(execCtx.TxnID, payload.Path)
	if err != nil {
		result.Fail(ErrKindExecution, "backup before delete: %v", err)
		return
	}
	if err := os.Remove(payload.Path); err != nil {
		result.Fail(ErrKindExecution, "delete %s: %v", payload.Path, err)
		return
	}

	result.Success = true
	result.Output("path", payload.Path)
	result.Undo = append(result.Undo, RecordedOp{
		Kind: txn.OpFilesystem,
		Undo: txn.UndoSpec{Kind: txn.UndoRestore, Path: payload.Path, BackupPath: backup},
	})
}

// fileMode parses an octal mode string, falling back to the default.
func fileMode(s string, def os.FileMode) os.FileMode {
	if s == "" {
		return def
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return def
	}
	return os.FileMode(n)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
