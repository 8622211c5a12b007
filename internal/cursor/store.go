// Package cursor persists the per-account resume watermark.
package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Cursor is the durable resume state for one account: the updated_at of the
// most recently processed state event.
type Cursor struct {
	AccountID uuid.UUID `json:"account_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsZero reports whether no watermark has been recorded yet.
func (c Cursor) IsZero() bool {
	return c.UpdatedAt.IsZero()
}

// Store is a single-value blob store keyed by account.
type Store interface {
	Load(accountID uuid.UUID) (Cursor, error)
	Save(accountID uuid.UUID, c Cursor) error
}

// FileStore keeps one JSON file per account under a state directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(accountID uuid.UUID) string {
	return filepath.Join(s.dir, fmt.Sprintf("stream_state_%s.json", accountID))
}

// Load returns the stored cursor, or a zero cursor when none exists yet.
func (s *FileStore) Load(accountID uuid.UUID) (Cursor, error) {
	b, err := os.ReadFile(s.path(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{AccountID: accountID}, nil
		}
		return Cursor{}, fmt.Errorf("reading cursor: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, fmt.Errorf("decoding cursor: %w", err)
	}
	c.AccountID = accountID
	return c, nil
}

// Save writes the cursor via a rename so a crash mid-write never leaves a
// torn file behind.
func (s *FileStore) Save(accountID uuid.UUID, c Cursor) error {
	c.AccountID = accountID

	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cursor: %w", err)
	}
	b = append(b, '\n')

	tmp := s.path(accountID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing cursor: %w", err)
	}
	if err := os.Rename(tmp, s.path(accountID)); err != nil {
		return fmt.Errorf("committing cursor: %w", err)
	}
	return nil
}
