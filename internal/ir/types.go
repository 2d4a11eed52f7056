package ir

import (
	"fmt"
	"time"
)

// ChangeType classifies a mutation for change-log purposes.
type ChangeType string

const (
	ChangeInsert ChangeType = "Insert"
	ChangeModify ChangeType = "Modify"
	ChangeDelete ChangeType = "Delete"
)

// Valid reports whether c is one of the three known change types.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeInsert, ChangeModify, ChangeDelete:
		return true
	}
	return false
}

// ParseChangeType converts a string to a ChangeType.
// Matching is exact; "insert" is rejected.
func ParseChangeType(s string) (ChangeType, error) {
	c := ChangeType(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown change type %q", s)
	}
	return c, nil
}

// ChangeCommand is one pending outgoing change produced by the host's
// edit-detection hook. It is consumed exactly once by the push pipeline.
type ChangeCommand struct {
	TargetEntityID string     `json:"target_entity_id"`
	ChangeType     ChangeType `json:"change_type"`
	Payload        []byte     `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CacheState tracks what happened to a cached change after it was staged.
type CacheState string

const (
	// CacheStaged means the record was written and transmission has not finished.
	CacheStaged CacheState = "staged"
	// CacheCommitted means the batch containing the record was committed centrally.
	CacheCommitted CacheState = "committed"
	// CacheFailed means the batch was aborted; the record is eligible for replay.
	CacheFailed CacheState = "failed"
	// CacheReplayed means the record was re-enqueued by an explicit replay.
	CacheReplayed CacheState = "replayed"
)

// CachedChange is the durable local record of a command, written before the
// command is transmitted to the central store.
type CachedChange struct {
	Ref            string     `json:"ref"`
	SessionID      string     `json:"session_id"`
	TargetEntityID string     `json:"target_entity_id"`
	ChangeType     ChangeType `json:"change_type"`
	Payload        []byte     `json:"payload"`
	TimestampUTC   time.Time  `json:"timestamp_utc"`
	Digest         uint64     `json:"digest"`
	State          CacheState `json:"state"`
}

// Command rebuilds the ChangeCommand this record was staged from.
func (c CachedChange) Command() ChangeCommand {
	return ChangeCommand{
		TargetEntityID: c.TargetEntityID,
		ChangeType:     c.ChangeType,
		Payload:        c.Payload,
		CreatedAt:      c.TimestampUTC,
	}
}

// Session is the central-store node describing one running editor instance.
type Session struct {
	ID             string    `json:"id"`
	LastSyncTime   time.Time `json:"last_sync_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// ChangeLogEntry is the central audit/notification record of one mutation.
// Insert entries are merged per (SessionID, TargetEntityID); Modify and
// Delete entries are appended.
type ChangeLogEntry struct {
	ID             int64      `json:"id"`
	SessionID      string     `json:"session_id"`
	TargetEntityID string     `json:"target_entity_id"`
	ChangeType     ChangeType `json:"change_type"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	CacheRef       string     `json:"cache_ref"`
}

// Properties is the property set of a graph node.
type Properties map[string]any

// String returns the string property key, or "" when absent or not a string.
func (p Properties) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Entity is a domain node as stored centrally and applied locally.
// ID is the stable identifier shared by every session.
type Entity struct {
	ID              string     `json:"id"`
	Category        string     `json:"category"`
	Properties      Properties `json:"properties"`
	ContainerID     string     `json:"container_id,omitempty"`
	Deleted         bool       `json:"deleted,omitempty"`
	LastModifiedUTC time.Time  `json:"last_modified_utc"`
}

// Status is the three-state consistency classification.
type Status string

const (
	StatusGreen  Status = "green"
	StatusYellow Status = "yellow"
	StatusRed    Status = "red"
)

// Label returns the user-facing wording for a status.
func (s Status) Label() string {
	switch s {
	case StatusGreen:
		return "clean"
	case StatusYellow:
		return "pending"
	case StatusRed:
		return "conflict"
	}
	return "unknown"
}

// Conflict is one entity mutated both locally (pending) and remotely
// (unacknowledged), where not both sides are deletions.
type Conflict struct {
	EntityID        string     `json:"entity_id"`
	Local           ChangeType `json:"local"`
	Remote          ChangeType `json:"remote"`
	RemoteSessionID string     `json:"remote_session_id"`
}

// String renders the conflict for human-readable reports.
func (c Conflict) String() string {
	return fmt.Sprintf("%s: local %s vs remote %s (%s)", c.EntityID, c.Local, c.Remote, c.RemoteSessionID)
}

// ConsistencyReport is the outcome of one consistency check.
type ConsistencyReport struct {
	Status       Status           `json:"status"`
	RemoteCount  int              `json:"remote_count"`
	PendingCount int              `json:"pending_count"`
	Conflicts    []Conflict       `json:"conflicts"`
	Remote       []ChangeLogEntry `json:"remote,omitempty"`
	CheckedAt    time.Time        `json:"checked_at"`
}
