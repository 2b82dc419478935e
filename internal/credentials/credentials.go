// Package credentials reads the bearer token written by the login flow and
// exposes the claims it carries as read-only settings.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// KeyUserID is the claim holding the numeric user id.
const KeyUserID = "user_id"

// UnknownUserID is reported when the token carries no usable user id.
const UnknownUserID int64 = -1

// Claims is the decoded token payload.
type Claims struct {
	m jwt.MapClaims
}

// ParseClaims decodes the token payload without verifying its signature. The
// device holds no verification key; the values only drive local policy and
// the server re-validates the token on every request.
func ParseClaims(token string) (Claims, error) {
	if token == "" {
		return Claims{}, errors.New("credentials: empty token")
	}
	m := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, m); err != nil {
		return Claims{}, fmt.Errorf("credentials: malformed token: %w", err)
	}
	return Claims{m: m}, nil
}

// Field returns a claim as a string. Numbers are formatted without trailing
// zeros and booleans as "1" or "0".
func (c Claims) Field(key string) (string, bool) {
	v, ok := c.m[key]
	if !ok || v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		if x {
			return "1", true
		}
		return "0", true
	default:
		return fmt.Sprint(x), true
	}
}

// UserID returns the user_id claim, or UnknownUserID.
func (c Claims) UserID() int64 {
	s, ok := c.Field(KeyUserID)
	if !ok {
		return UnknownUserID
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return UnknownUserID
	}
	return id
}

// FileSource reads the token from a file on every call, so a token replaced
// by the login flow is picked up without a restart.
type FileSource struct {
	Path string
}

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Token returns the current token. ok is false when the file is missing or
// empty.
func (s *FileSource) Token(context.Context) (string, bool) {
	if s == nil || s.Path == "" {
		return "", false
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return "", false
	}
	tok := strings.TrimSpace(string(b))
	return tok, tok != ""
}

// Claims decodes the current token.
func (s *FileSource) Claims() (Claims, error) {
	tok, ok := s.Token(context.Background())
	if !ok {
		return Claims{}, errors.New("credentials: no token available")
	}
	return ParseClaims(tok)
}

// Field implements a key lookup over the current token's claims. It returns
// false when no token is available or it cannot be decoded.
func (s *FileSource) Field(key string) (string, bool) {
	c, err := s.Claims()
	if err != nil {
		return "", false
	}
	return c.Field(key)
}

// UserID returns the user id from the current token, or UnknownUserID.
func (s *FileSource) UserID() int64 {
	c, err := s.Claims()
	if err != nil {
		return UnknownUserID
	}
	return c.UserID()
}

// Store writes a new token atomically.
func (s *FileSource) Store(token string) error {
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("credentials: write token: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("credentials: replace token: %w", err)
	}
	return nil
}
