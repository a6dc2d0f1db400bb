package sync

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashString(t *testing.T) {
	// Known SHA256 hash of "hello"
	expected := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	result := HashString("hello")

	if result != expected {
		t.Errorf("HashString(\"hello\") = %q, want %q", result, expected)
	}
}

func TestDigestFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "upload.bin")

	content := "file content for hashing"
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	d, err := digestFile(tmpFile)
	if err != nil {
		t.Fatalf("digestFile failed: %v", err)
	}

	if d.SHA256 != HashString(content) {
		t.Errorf("digest %q doesn't match HashString result %q", d.SHA256, HashString(content))
	}
	if d.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", d.Size, len(content))
	}
}

func TestDigestFile_Missing(t *testing.T) {
	if _, err := digestFile(filepath.Join(t.TempDir(), "missing")); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
