package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DefaultTokenName is the name of the per-user gateway token row
const DefaultTokenName = "default"

const tokenBytes = 32

// GenerateToken returns a random hex-encoded gateway token
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 digest stored in place of the plaintext
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// EnsureGatewayToken creates the user's default gateway token if none exists.
// An existing token is never rotated. It reports whether a token was created.
func EnsureGatewayToken(ctx context.Context, store TokenStore, userID string) (bool, error) {
	plain, err := GenerateToken()
	if err != nil {
		return false, err
	}

	inserted, err := store.InsertGatewayToken(ctx, userID, DefaultTokenName, HashToken(plain))
	if err != nil {
		return false, fmt.Errorf("insert gateway token: %w", err)
	}
	if !inserted {
		return false, nil
	}

	if err := store.SetPlainGatewayToken(ctx, userID, plain); err != nil {
		return true, fmt.Errorf("store plain gateway token: %w", err)
	}
	return true, nil
}

// RotateGatewayToken replaces the user's default gateway token and returns the
// new plaintext value.
func RotateGatewayToken(ctx context.Context, store TokenStore, userID string) (string, error) {
	plain, err := GenerateToken()
	if err != nil {
		return "", err
	}

	if err := store.ReplaceGatewayToken(ctx, userID, DefaultTokenName, HashToken(plain)); err != nil {
		return "", fmt.Errorf("replace gateway token: %w", err)
	}
	if err := store.SetPlainGatewayToken(ctx, userID, plain); err != nil {
		return "", fmt.Errorf("store plain gateway token: %w", err)
	}
	return plain, nil
}
