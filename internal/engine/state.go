package engine

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/pushline/internal/campaign"
)

// Status is the run lifecycle state
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusDone    Status = "done"
)

// RunState is the progress of the current broadcast run
type RunState struct {
	Status        Status        `json:"status"`
	Sent          int           `json:"sent"`
	Errors        int           `json:"errors"`
	StartedAt     *time.Time    `json:"startedAt"`
	WavesTotal    int           `json:"wavesTotal"`
	WaveIndex     int           `json:"waveIndex"`
	CooldownUntil *time.Time    `json:"cooldownUntil"`
	Mode          campaign.Mode `json:"mode"`
}

// idleState is the state after reset
func idleState() RunState {
	return RunState{Status: StatusIdle, Mode: campaign.ModeImage}
}

var (
	bucketRunState = []byte("run_state")
	keyCurrent     = []byte("current")
)

// StateStore persists the run state in BoltDB
type StateStore struct {
	db *bolt.DB
}

// NewStateStore creates a run state store using the provided BoltDB instance
func NewStateStore(db *bolt.DB) (*StateStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRunState)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run state bucket: %w", err)
	}

	return &StateStore{db: db}, nil
}

// Load returns the persisted state, or an idle state when none is stored.
// No run loop survives a restart, so a running state comes back paused.
func (s *StateStore) Load() (RunState, error) {
	st := idleState()

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRunState).Get(keyCurrent)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return idleState(), fmt.Errorf("failed to load run state: %w", err)
	}

	if st.Status == StatusRunning {
		st.Status = StatusPaused
	}
	st.CooldownUntil = nil
	if st.Status == "" {
		st.Status = StatusIdle
	}
	st.Mode = campaign.ParseMode(string(st.Mode))

	return st, nil
}

// Save stores st as the current state
func (s *StateStore) Save(st RunState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunState).Put(keyCurrent, data)
	})
}
