package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"ALIGNIFY_TEST_FROM_FILE=loaded\n" +
		"ALIGNIFY_TEST_QUOTED=\"hello world\"\n" +
		"export ALIGNIFY_TEST_EXPORTED=ok\n" +
		"ALIGNIFY_TEST_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("ALIGNIFY_TEST_EXISTING", "already_set")
	t.Cleanup(func() {
		for _, key := range []string{"ALIGNIFY_TEST_FROM_FILE", "ALIGNIFY_TEST_QUOTED", "ALIGNIFY_TEST_EXPORTED"} {
			_ = os.Unsetenv(key)
		}
	})

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("ALIGNIFY_TEST_FROM_FILE"); got != "loaded" {
		t.Fatalf("FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("ALIGNIFY_TEST_QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("ALIGNIFY_TEST_EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("ALIGNIFY_TEST_EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoadFile_MalformedFileErrors(t *testing.T) {
	t.Parallel()
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("ALIGNIFY_TEST_BROKEN=\"unterminated\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if err := LoadFile(envPath); err == nil {
		t.Fatalf("expected error for malformed env file")
	}
}
