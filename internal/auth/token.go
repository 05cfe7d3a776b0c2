package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"transcriberd/internal/file"
)

// BootstrapToken resolves the service token, generating one when none is
// configured, and writes it to tokenPath (0600) so the supervision bridge
// can authenticate. The token is always returned, even if the file write
// fails.
func BootstrapToken(token, tokenPath string) (string, error) {
	if token == "" {
		token = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if err := file.EnsureDir(filepath.Dir(tokenPath)); err != nil {
		return token, err
	}
	if err := os.WriteFile(tokenPath, []byte(token), 0o600); err != nil {
		return token, fmt.Errorf("write token file: %w", err)
	}
	return token, nil
}
