// Package trigger turns object-storage notifications into ingestion runs.
package trigger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7/pkg/notification"
)

// Notification sources, used as metric labels and in logs.
const (
	SourceListen  = "listen"
	SourceRedis   = "redis"
	SourceWebhook = "webhook"
)

// Event is one object notification. Key is URL-encoded as delivered.
type Event struct {
	Name   string
	Bucket string
	Key    string
	Source string
}

// IsObjectCreated reports whether an event name announces a new object.
// Both the MinIO ("s3:ObjectCreated:Put") and the AWS ("ObjectCreated:Put")
// spellings are accepted.
func IsObjectCreated(name string) bool {
	return strings.HasPrefix(name, "s3:ObjectCreated:") || strings.HasPrefix(name, "ObjectCreated:")
}

// FromInfo flattens a MinIO notification into events.
func FromInfo(info notification.Info, source string) []Event {
	events := make([]Event, 0, len(info.Records))
	for _, r := range info.Records {
		events = append(events, Event{
			Name:   r.EventName,
			Bucket: r.S3.Bucket.Name,
			Key:    r.S3.Object.Key,
			Source: source,
		})
	}
	return events
}

// accessEntry is one element of MinIO's "access" format, used by its Redis
// and queue targets.
type accessEntry struct {
	Event []notification.Event `json:"Event"`
}

// DecodeNotification parses a notification body. It accepts the S3 document
// ({"Records": [...]}) sent by webhooks and namespace-format targets, and the
// array of {"Event": [...]} entries pushed by access-format targets.
func DecodeNotification(data []byte, source string) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty notification")
	}

	if data[0] == '[' {
		var entries []accessEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decoding access notification: %w", err)
		}
		var info notification.Info
		for _, e := range entries {
			info.Records = append(info.Records, e.Event...)
		}
		return FromInfo(info, source), nil
	}

	var info notification.Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding notification: %w", err)
	}
	return FromInfo(info, source), nil
}
