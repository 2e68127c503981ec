package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFormatBytesLineWrapping(t *testing.T) {
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	out := formatBytes(data)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (16 bytes then 4)", len(lines))
	}
	if !strings.Contains(lines[0], "0x00,") || !strings.Contains(lines[0], "0x0f,") {
		t.Fatalf("first line missing expected bytes: %q", lines[0])
	}
	if !strings.Contains(lines[1], "0x13,") {
		t.Fatalf("second line missing trailing byte: %q", lines[1])
	}
}

func TestLoadBinaryRejectsNonELF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage")
	if err := os.WriteFile(path, []byte("not an elf file"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := loadBinary(path); err == nil {
		t.Fatalf("loadBinary accepted a non-ELF file")
	}
}

func TestLoadBinaryMissingFile(t *testing.T) {
	if _, _, err := loadBinary(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatalf("loadBinary accepted a missing file")
	}
}
