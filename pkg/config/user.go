package config

import (
	"fmt"
	"os/user"
	"path/filepath"
)

// CurrentUser returns the login name of the local user, which is also
// the remote user name
func CurrentUser() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to look up current user: %w", err)
	}
	return u.Username, nil
}

// DefaultIdentityFile returns the private key tried first during
// authentication
func DefaultIdentityFile(username string) string {
	return filepath.Join("/home", username, ".ssh", "id_rsa")
}
