// Package credentials persists provider API credentials on the local
// filesystem. Each provider gets one JSON file under the auth directory,
// written with owner-only permissions.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Credential is an API credential returned by a provider's code exchange.
type Credential struct {
	// APIKey is the secret used to authenticate API requests.
	APIKey string `json:"api_key"`
	// Email identifies the linked account, when the provider reports it.
	Email string `json:"email,omitempty"`
	// CreatedAt records when the credential was obtained, RFC3339.
	CreatedAt string `json:"created_at"`
}

// FileStore persists credentials using the filesystem as backing storage.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStore creates a credential store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// Save persists the credential for the given provider, creating the auth
// directory when needed. The file is written atomically via a temporary
// file rename.
func (s *FileStore) Save(cred *Credential, providerID string) error {
	if cred == nil {
		return fmt.Errorf("credentials: credential is nil")
	}
	path, err := s.credentialPath(providerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("credentials: failed to create auth directory: %w", err)
	}

	if cred.CreatedAt == "" {
		cred.CreatedAt = time.Now().Format(time.RFC3339)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: failed to marshal credential: %w", err)
	}

	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credentials: failed to write credential file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("credentials: failed to finalize credential file: %w", err)
	}
	return nil
}

// Get returns the stored credential for the given provider, or nil when
// none exists.
func (s *FileStore) Get(providerID string) (*Credential, error) {
	path, err := s.credentialPath(providerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credentials: failed to read credential file: %w", err)
	}

	var cred Credential
	if err = json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("credentials: failed to parse credential file: %w", err)
	}
	return &cred, nil
}

// Has reports whether a credential exists for the given provider.
func (s *FileStore) Has(providerID string) bool {
	cred, err := s.Get(providerID)
	return err == nil && cred != nil && cred.APIKey != ""
}

// Delete removes the stored credential for the given provider. Deleting a
// credential that does not exist is not an error.
func (s *FileStore) Delete(providerID string) error {
	path, err := s.credentialPath(providerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credentials: failed to delete credential file: %w", err)
	}
	return nil
}

// credentialPath resolves the credential file for a provider, rejecting
// identifiers that would escape the auth directory.
func (s *FileStore) credentialPath(providerID string) (string, error) {
	id := strings.TrimSpace(providerID)
	if id == "" {
		return "", fmt.Errorf("credentials: provider id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("credentials: invalid provider id %q", providerID)
	}
	return filepath.Join(s.baseDir, id+".json"), nil
}
