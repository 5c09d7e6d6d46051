package task

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// History persists completed job records across process invocations.
// cmd/backupd has no long-running daemon to hold Manager's in-memory
// completed map between commands — every invocation is its own process —
// so a durable append-only log is what lets `task list` show jobs a prior
// invocation ran. Records are length-prefixed msgpack, the same plain
// Marshal/Unmarshal style ingester/fluentfwd uses for its wire messages.
type History struct {
	path string
}

// NewHistory returns a History backed by the file at path. The file is
// created on first Append; a missing file reads back as an empty log.
func NewHistory(path string) *History {
	return &History{path: path}
}

// Append writes one completed job's snapshot to the log.
func (h *History) Append(info Info) error {
	data, err := msgpack.Marshal(info.Snapshot())
	if err != nil {
		return fmt.Errorf("task: marshal history record: %w", err)
	}

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("task: open history log: %w", err)
	}
	defer f.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("task: write history record length: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("task: write history record: %w", err)
	}
	return nil
}

// List returns every recorded job in append order (oldest first).
func (h *History) List() ([]Info, error) {
	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task: open history log: %w", err)
	}
	defer f.Close()

	var infos []Info
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("task: read history record length: %w", err)
		}
		data := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, fmt.Errorf("task: read history record: %w", err)
		}
		var info Info
		if err := msgpack.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("task: unmarshal history record: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
