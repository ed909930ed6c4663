// Package audit emits hash-chained events for every published snapshot.
package audit

import (
	"time"
)

// EventVersion is the schema version of emitted events.
const EventVersion = "1.0"

// EventType identifies snapshot conversion events.
const EventType = "snapshot_conversion"

// AuditEvent is the wire form of a conversion audit event.
type AuditEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Conversion ConversionInfo `json:"conversion"`
	Output     OutputInfo     `json:"output"`
	Producer   ProducerInfo   `json:"producer"`
	Chain      ChainInfo      `json:"chain"`
}

// ConversionInfo identifies the run being audited.
type ConversionInfo struct {
	Dataset             string `json:"dataset"`
	Source              string `json:"source"`
	Destination         string `json:"destination"`
	SnapshotDate        string `json:"snapshot_date"`
	ProcessingTimestamp string `json:"processing_timestamp"`
	CorrelationID       string `json:"correlation_id,omitempty"`
}

// OutputInfo describes the published file.
type OutputInfo struct {
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
	Codec    string `json:"codec"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an event to its predecessor in the dataset's chain.
type ChainInfo struct {
	Sequence      int64  `json:"sequence"`
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain this event belongs to. Each dataset has its own
// chain.
func (c ConversionInfo) ChainKey() string {
	return c.Dataset
}

// Seal places the event after prev and computes its hash. A zero prev
// starts a new chain at sequence 1.
func (e *AuditEvent) Seal(prev ChainHead) {
	e.Chain.Sequence = prev.Sequence + 1
	e.Chain.PrevEventHash = prev.EventHash
	e.Chain.EventHash = HashEvent(e)
}
