// This file defines StreamKey, the registry key for live streams.

package bus

import (
	"fmt"
	"strings"
)

// StreamKey uniquely identifies a stream by application and stream name.
type StreamKey struct {
	App  string // Application name from connect's tcUrl/app (e.g., "live")
	Name string // Stream name from publish or play (e.g., "mystream")
}

// String returns the stream key as "app/name".
func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s", k.App, k.Name)
}

// NewStreamKey creates a StreamKey. Any query string on name
// ("cam1?token=x") is not part of the key.
func NewStreamKey(app, name string) StreamKey {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	return StreamKey{
		App:  strings.Trim(app, "/"),
		Name: name,
	}
}
