package converter

import (
	"time"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/storage"
)

// Request names one source snapshot, its dataset and where to publish it.
// A destination key ending in "/" (or empty) is treated as a prefix.
type Request struct {
	Dataset     string
	Source      storage.ObjectRef
	Destination storage.ObjectRef
}

// Result describes a published snapshot.
type Result struct {
	Dataset             string
	Source              storage.ObjectRef
	Destination         storage.ObjectRef // normalized
	DestinationURI      string
	Rows                int64
	Bytes               int64
	Checksum            string
	SnapshotDate        string
	ProcessingTimestamp string
	ProcessedAt         time.Time
	CorrelationID       string
	Duration            time.Duration
}
