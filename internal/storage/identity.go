// Package storage persists the only durable client-side state: the opaque
// session/auth identifier that survives reloads. Everything else the engine
// holds is in-memory and rebuilt from snapshots.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	visitorIDFile   = "visitor.id"
	accessTokenFile = "access.token"
)

// GetOrCreateVisitorID loads the durable visitor session id, generating and
// persisting a fresh one on first run.
func GetOrCreateVisitorID(home string) (string, error) {
	path := filepath.Join(home, visitorIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read visitor id: %w", err)
	}

	id := uuid.NewString()
	if err := writeFileAtomic(path, []byte(id)); err != nil {
		return "", fmt.Errorf("save visitor id: %w", err)
	}
	return id, nil
}

// SaveAccessToken persists the agent access token.
func SaveAccessToken(home, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("missing token")
	}
	if err := writeFileAtomic(filepath.Join(home, accessTokenFile), []byte(token)); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	return nil
}

// LoadAccessToken reads the stored agent access token. ok is false when no
// token is stored.
func LoadAccessToken(home string) (token string, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(home, accessTokenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read access token: %w", err)
	}
	token = strings.TrimSpace(string(data))
	return token, token != "", nil
}

// ClearAccessToken removes the stored token. Used when the server reports an
// authentication fault; continuing with a dead credential would desync the
// roster and identity.
func ClearAccessToken(home string) error {
	err := os.Remove(filepath.Join(home, accessTokenFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear access token: %w", err)
	}
	return nil
}

// TokenSubject extracts the subject claim from a JWT without verifying the
// signature. Client-side peeking only; the server remains authoritative.
func TokenSubject(token string) (string, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

// TokenExpiresWithin reports whether the token is expired or will expire
// inside the window. Tokens without a parseable exp claim report false; the
// server will 401 if they are actually dead.
func TokenExpiresWithin(token string, window time.Duration) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) <= window
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
