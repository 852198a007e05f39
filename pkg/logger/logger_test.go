package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestMessageFieldsRenderInAuditEntries(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	log.Info("message processed", append(
		MessageFields("msg-1", "alice"),
		OperationFields("supply", "0xabc")...,
	)...)

	entry := buf.String()
	for _, want := range []string{`"message_id":"msg-1"`, `"user_id":"alice"`, `"action_id":"supply"`, `"tx_hash":"0xabc"`} {
		if !bytes.Contains([]byte(entry), []byte(want)) {
			t.Fatalf("audit entry missing %s: %s", want, entry)
		}
	}
}

func TestRotatingWriterRotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "audit.log")

	writer, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	defer writer.Close()

	chunk := bytes.Repeat([]byte("a"), 700*1024)
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated backup %s.1: %v", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active log: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Fatalf("active log should hold only the second chunk, size %d", info.Size())
	}
}
