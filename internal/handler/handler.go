// Package handler turns invocation events into conversion requests.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/converter"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/logging"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/storage"
)

// Event keys.
const (
	KeySourceBucket      = "sourceBucketName"
	KeySourceKey         = "sourceFileKey"
	KeyDestinationBucket = "destinationBucketName"
	KeyDestinationKey    = "destinationFileKey"
	KeyDataset           = "fileTobeProcessed"
)

var requiredKeys = []string{KeySourceBucket, KeySourceKey, KeyDestinationBucket, KeyDataset}

// Event is the flat string map an invocation carries.
type Event map[string]string

// Request builds a conversion request from the event.
// destinationFileKey may be absent, in which case the source base name is used.
func (e Event) Request() (converter.Request, error) {
	var missing []string
	for _, k := range requiredKeys {
		if strings.TrimSpace(e[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return converter.Request{}, fmt.Errorf("%w: missing event keys %s", converter.ErrInvalidRequest, strings.Join(missing, ", "))
	}

	return converter.Request{
		Dataset:     strings.TrimSpace(e[KeyDataset]),
		Source:      storage.ObjectRef{Bucket: e[KeySourceBucket], Key: e[KeySourceKey]},
		Destination: storage.ObjectRef{Bucket: e[KeyDestinationBucket], Key: e[KeyDestinationKey]},
	}, nil
}

// DecodeEvent reads a JSON object of string values.
func DecodeEvent(r io.Reader) (Event, error) {
	var ev Event
	dec := json.NewDecoder(r)
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", converter.ErrInvalidRequest, err)
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: empty event", converter.ErrInvalidRequest)
	}
	return ev, nil
}

// Converter runs a single conversion.
type Converter interface {
	Convert(ctx context.Context, req converter.Request) (*converter.Result, error)
}

// Handler applies events to a Converter.
type Handler struct {
	conv Converter
}

func New(conv Converter) *Handler {
	return &Handler{conv: conv}
}

// Apply converts the snapshot the event describes and returns the response map.
func (h *Handler) Apply(ctx context.Context, ev Event) (map[string]any, error) {
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		attrs = append(attrs, k, ev[k])
	}
	log := logging.FromContext(ctx).With("component", "handler")
	log.Info("received event", attrs...)

	req, err := ev.Request()
	if err != nil {
		return nil, err
	}

	res, err := h.conv.Convert(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", req.Dataset, err)
	}

	log.Info("snapshot load completed", "dataset", req.Dataset, "destination", res.DestinationURI)
	return Response(res), nil
}

// Response renders a result as the response map.
func Response(res *converter.Result) map[string]any {
	return map[string]any{
		"status":              "ok",
		"dataset":             res.Dataset,
		"destinationBucket":   res.Destination.Bucket,
		"destinationKey":      res.Destination.Key,
		"destinationUri":      res.DestinationURI,
		"rows":                res.Rows,
		"bytes":               res.Bytes,
		"checksum":            res.Checksum,
		"snapshotDate":        res.SnapshotDate,
		"processingTimestamp": res.ProcessingTimestamp,
		"correlationId":       res.CorrelationID,
	}
}

// ErrorResponse renders a failure as a response map.
func ErrorResponse(err error) map[string]any {
	resp := map[string]any{
		"status": "error",
		"error":  err.Error(),
	}
	if kind, ok := converter.KindOf(err); ok {
		resp["kind"] = string(kind)
		resp["retryable"] = kind.Retryable()
	}
	return resp
}
