package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Backend is the execution boundary. Implementations exchange JSON with
// an external trading terminal and block until an acknowledgment or the
// context deadline.
type Backend interface {
	Execute(ctx context.Context, cmd ExecutionCommand) (Ack, error)
}

// FileBridge implements Backend over a shared directory: commands are
// written to <dir>/out/<command_id>.json and acknowledgments appear at
// <dir>/ack/<command_id>.json, written by the terminal-side expert.
type FileBridge struct {
	outDir string
	ackDir string
	pollMs time.Duration
}

// NewFileBridge creates the bridge directories under root.
func NewFileBridge(root string) (*FileBridge, error) {
	b := &FileBridge{
		outDir: filepath.Join(root, "out"),
		ackDir: filepath.Join(root, "ack"),
		pollMs: 100 * time.Millisecond,
	}
	for _, dir := range []string{b.outDir, b.ackDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bridge directory: %w", err)
		}
	}
	return b, nil
}

// Execute writes the command file and polls for its acknowledgment until
// the context expires. The write is atomic (tmp + rename) so the terminal
// never reads a half-written command.
func (b *FileBridge) Execute(ctx context.Context, cmd ExecutionCommand) (Ack, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal command: %w", err)
	}

	final := filepath.Join(b.outDir, cmd.CommandID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Ack{}, fmt.Errorf("write command: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return Ack{}, fmt.Errorf("publish command: %w", err)
	}

	ackPath := filepath.Join(b.ackDir, cmd.CommandID+".json")
	ticker := time.NewTicker(b.pollMs)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		case <-ticker.C:
			raw, err := os.ReadFile(ackPath)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return Ack{}, fmt.Errorf("read ack: %w", err)
			}
			var ack Ack
			if err := json.Unmarshal(raw, &ack); err != nil {
				// Terminal may still be writing; retry next tick.
				continue
			}
			// Consume the ack so a retry of the same command waits for a
			// fresh answer.
			_ = os.Remove(ackPath)
			_ = os.Remove(final)
			return ack, nil
		}
	}
}
