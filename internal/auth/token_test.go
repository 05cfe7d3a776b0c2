package auth

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestBootstrapTokenGenerates(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "nested", "service.token")
	token, err := BootstrapToken("", tokenPath)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(token) != 32 || strings.Contains(token, "-") {
		t.Fatalf("unexpected generated token: %q", token)
	}
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if string(data) != token {
		t.Fatalf("file content %q does not match token %q", data, token)
	}
	if runtime.GOOS != "windows" {
		info, _ := os.Stat(tokenPath)
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("token file mode = %v, want 0600", info.Mode().Perm())
		}
	}
}

func TestBootstrapTokenKeepsConfigured(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "service.token")
	token, err := BootstrapToken("configured-secret", tokenPath)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if token != "configured-secret" {
		t.Fatalf("configured token changed: %q", token)
	}
}

func TestBootstrapTokenReturnsTokenOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	// tokenPath points at a directory so the write must fail
	token, err := BootstrapToken("secret", dir)
	if err == nil {
		t.Fatalf("expected write failure")
	}
	if token != "secret" {
		t.Fatalf("token must survive a write failure, got %q", token)
	}
}
