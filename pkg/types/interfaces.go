package types

import "context"

// Sink accepts finished batches of derived records and delivers them to a
// destination (a worker's own compressed file, a secondary Kafka topic).
//
// There is no IsHealthy poll: every sink here is either a synchronous
// local write (can't meaningfully be "unhealthy" ahead of the call) or
// explicitly best-effort (Kafka), so health is only ever observed as the
// error return of Send.
type Sink interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, records []DerivedRecord) error
	Stop() error
}

// PseudonymStore is the per-column key→token mapping.
type PseudonymStore interface {
	// Map returns the stable token for key, minting one on first sight.
	// A nil key returns a nil token: null values are never inserted.
	Map(key *string) *string
	// Load replaces the store's contents from a secrets CSV file. A
	// missing or empty file is not an error.
	Load(path string) error
	// Save persists the store's contents to a secrets CSV file.
	Save(path string) error
	// Len reports the number of distinct keys currently mapped.
	Len() int
}

// GeoLookup resolves a client IP to a "lon:lat" coordinate string.
type GeoLookup interface {
	Lookup(ip string) (*string, error)
}

// UserAgentInfo is the six-tuple user-agent classification produces.
type UserAgentInfo struct {
	DeviceBrand  *string
	DeviceFamily *string
	DeviceModel  *string
	OSFamily     *string
	UAFamily     *string
	UAMajor      *string
}

// UserAgentLookup classifies a raw User-Agent header value.
type UserAgentLookup interface {
	Parse(ua string) (UserAgentInfo, error)
}
