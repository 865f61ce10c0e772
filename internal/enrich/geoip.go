// Package enrich implements the record transformer's two lookup-heavy
// enrichment steps: GeoIP coordinate resolution and User-Agent
// classification, each backed by a per-worker LRU memoization cache so
// repeat clients and repeat UA strings skip the underlying library call
// entirely.
package enrich

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"cdn-log-anonymizer/pkg/errors"
	"cdn-log-anonymizer/pkg/types"
)

// GeoIPLookup resolves a client IP to a "longitude:latitude" string rounded
// to two decimal places (~1km precision), matching the source system's
// geolite2 enrichment step.
type GeoIPLookup struct {
	db *geoip2.Reader
}

// OpenGeoIP loads a MaxMind GeoLite2 City database from path.
func OpenGeoIP(path string) (*GeoIPLookup, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.NewCritical(errors.CodeDatabaseMissing, "enrich", "open-geoip", "failed to open GeoIP database").Wrap(err)
	}
	return &GeoIPLookup{db: db}, nil
}

// Lookup returns nil if ip doesn't parse or the database has no location
// for it, matching the source behavior of mapping unresolvable IPs to a
// null coordinate rather than failing the record.
func (g *GeoIPLookup) Lookup(ip string) (*string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, nil
	}
	record, err := g.db.City(parsed)
	if err != nil {
		return nil, nil
	}
	if record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		// geoip2 returns a zero-value record rather than an error for an IP
		// with no location data; (0,0) is indistinguishable from "unknown"
		// at two-decimal precision and is treated the same as a miss.
		return nil, nil
	}
	coord := fmt.Sprintf("%.2f:%.2f", record.Location.Longitude, record.Location.Latitude)
	return &coord, nil
}

// Close releases the underlying database's memory-mapped file.
func (g *GeoIPLookup) Close() error {
	return g.db.Close()
}
