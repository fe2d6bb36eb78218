package client

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cm21968/LilyPad/protocol"
)

// SessionFile is the on-disk saved session for one server: the account
// name and the hex-encoded rolling token. The token is replaced after
// every successful login and the file removed when the server reports it
// expired.
type SessionFile struct {
	Dir string
}

// path maps a server address to its session file, with the address
// sanitized for use as a file name.
func (s SessionFile) path(server string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, server)
	return filepath.Join(s.Dir, name+".session")
}

// Save writes the session for server.
func (s SessionFile) Save(server, username string, token []byte) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	content := username + "\n" + hex.EncodeToString(token) + "\n"
	if err := os.WriteFile(s.path(server), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Load reads the saved session for server. ok is false when no usable
// session exists.
func (s SessionFile) Load(server string) (username string, token []byte, ok bool) {
	data, err := os.ReadFile(s.path(server))
	if err != nil {
		return "", nil, false
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 {
		return "", nil, false
	}
	token, err = hex.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil || len(token) != protocol.TokenSize {
		return "", nil, false
	}
	return strings.TrimSpace(lines[0]), token, true
}

// Clear removes the saved session for server.
func (s SessionFile) Clear(server string) {
	_ = os.Remove(s.path(server))
}
