package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const headsFileName = "chain-heads.json"

// ChainHead is the most recent event of one dataset's chain.
type ChainHead struct {
	EventHash    string    `json:"event_hash"`
	Sequence     int64     `json:"sequence"`
	SnapshotDate string    `json:"snapshot_date"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HeadStore keeps the head of every dataset chain in a JSON document under
// one directory.
type HeadStore struct {
	mu    sync.Mutex
	path  string
	heads map[string]ChainHead
}

// OpenHeadStore loads the heads document in dir, creating dir if needed.
func OpenHeadStore(dir string) (*HeadStore, error) {
	if dir == "" {
		dir = "./audit-backup"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir %s: %w", dir, err)
	}

	s := &HeadStore{
		path:  filepath.Join(dir, headsFileName),
		heads: make(map[string]ChainHead),
	}
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &s.heads); err != nil {
			return nil, fmt.Errorf("decode chain heads %s: %w", s.path, err)
		}
	}
	return s, nil
}

// Head returns the head of the dataset's chain. ok is false for a chain
// with no events yet.
func (s *HeadStore) Head(dataset string) (head ChainHead, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, ok = s.heads[dataset]
	return head, ok
}

// Advance makes evt the head of its dataset's chain and persists the heads.
func (s *HeadStore) Advance(evt *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heads[evt.Conversion.ChainKey()] = ChainHead{
		EventHash:    evt.Chain.EventHash,
		Sequence:     evt.Chain.Sequence,
		SnapshotDate: evt.Conversion.SnapshotDate,
		UpdatedAt:    evt.Timestamp,
	}
	return s.flush()
}

// flush rewrites the heads document through a temp file in the same
// directory so readers never see a partial document.
func (s *HeadStore) flush() error {
	data, err := json.MarshalIndent(s.heads, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chain heads: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".chain-heads-*")
	if err != nil {
		return fmt.Errorf("create temp heads file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write chain heads: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close chain heads: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// link stamps evt with a fresh id and seals it onto the current head of its
// chain.
func (s *HeadStore) link(evt *AuditEvent) {
	prev, _ := s.Head(evt.Conversion.ChainKey())
	evt.EventID = NewEventID()
	evt.Version = EventVersion
	evt.EventType = EventType
	evt.Seal(prev)
}

// HashEvent returns "sha256:<hex>" over the event's JSON form with its own
// hash blanked.
func HashEvent(evt *AuditEvent) string {
	unsealed := *evt
	unsealed.Chain.EventHash = ""

	data, err := json.Marshal(unsealed)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NewEventID returns a unique event id.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}
