package ingest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DataSegment is the fixed third segment of every upload key.
const DataSegment = "data"

// ErrMalformedKey is returned when an object key does not follow
// <prefix>/<projectID>/<segment>/<fileName>/<runID>.
var ErrMalformedKey = errors.New("malformed object key")

// RunKey is the run identity recovered from an uploaded object's key.
type RunKey struct {
	Prefix    string
	ProjectID string
	Segment   string
	FileName  string
	RunID     string

	// Object is the decoded key used to read the object back from storage.
	Object string
}

// ParseKey URL-decodes a key as delivered in storage notifications and
// splits it into its run identity. Segments past the fifth are ignored.
func ParseKey(raw string) (RunKey, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return RunKey{}, fmt.Errorf("%w: decoding %q: %v", ErrMalformedKey, raw, err)
	}
	parts := strings.Split(decoded, "/")
	if len(parts) < 5 {
		return RunKey{}, fmt.Errorf("%w: %q has %d segments, want at least 5", ErrMalformedKey, decoded, len(parts))
	}
	k := RunKey{
		Prefix:    parts[0],
		ProjectID: parts[1],
		Segment:   parts[2],
		FileName:  parts[3],
		RunID:     parts[4],
		Object:    decoded,
	}
	if k.ProjectID == "" || k.FileName == "" || k.RunID == "" {
		return RunKey{}, fmt.Errorf("%w: %q has an empty project, file or run segment", ErrMalformedKey, decoded)
	}
	return k, nil
}

// BuildKey returns the storage key an upload for runID must be written to.
func BuildKey(prefix, projectID, fileName, runID string) (string, error) {
	fields := []struct{ name, value string }{
		{"prefix", prefix},
		{"project", projectID},
		{"file name", fileName},
		{"run id", runID},
	}
	for _, f := range fields {
		if f.value == "" {
			return "", fmt.Errorf("%s must not be empty", f.name)
		}
		if strings.Contains(f.value, "/") {
			return "", fmt.Errorf("%s %q must not contain '/'", f.name, f.value)
		}
	}
	return strings.Join([]string{prefix, projectID, DataSegment, fileName, runID}, "/"), nil
}

// EncodeKey escapes each segment of a raw key the way storage notifications
// do, so that ParseKey(EncodeKey(k)) recovers k.
func EncodeKey(raw string) string {
	parts := strings.Split(raw, "/")
	for i, p := range parts {
		parts[i] = url.QueryEscape(p)
	}
	return strings.Join(parts, "/")
}
