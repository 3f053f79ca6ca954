package txn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// opLog is an append-only JSONL writer for operation records. Flushed and
// synced at every record so a crash after the append never loses it.
type opLog struct {
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

func openOpLog(path string) (*opLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	w := bufio.NewWriter(f)
	return &opLog{file: f, writer: w, enc: json.NewEncoder(w)}, nil
}

func (l *opLog) append(rec *OperationRecord) error {
	if err := l.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode operation record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush operation log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync operation log: %w", err)
	}
	return nil
}

func (l *opLog) close() error {
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// readOpLog loads every record from a JSONL operation log in append order.
func readOpLog(path string) ([]*OperationRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	defer f.Close()

	var ops []*OperationRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec OperationRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parse operation record: %w", err)
		}
		ops = append(ops, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan operation log: %w", err)
	}
	return ops, nil
}
