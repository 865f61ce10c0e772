// Package types holds the shared data structures that cross package
// boundaries in the anonymization pipeline: the raw and derived record
// shapes, the pluggable component interfaces, and the configuration tree.
package types

import "time"

// RawRecord is one parsed line of the source access log, addressed by the
// column layout in effect for that line (24-column or 26-column).
// Optional fields are pointers so a null marker ("-") round-trips as nil
// instead of an empty string.
type RawRecord struct {
	IP             string
	Timestamp      time.Time
	Request        string
	StatusCode     int
	ContentLength  float64
	UserAgent      *string
	Host           *string // only present in the 26-column variant
	TimeFirstByte  float64
	TimeToServ     float64 // microseconds, as read from the source
	Hit            string
	ContentType    string
	SessionCookie  *string
	CacheControl   *string
	XForwardedFor  *string
	Side           *string
}

// DerivedRecord is the fixed output schema. Field order here has no
// bearing on the CSV column order — that's owned by the sink.
type DerivedRecord struct {
	Timestamp      time.Time
	StatusCode     int
	Method         string
	Protocol       string
	Hit            string
	ContentType    string
	CacheName      string
	PopName        string
	Host           *string
	Coordinates    *string
	DeviceBrand    *string
	DeviceFamily   *string
	DeviceModel    *string
	OSFamily       *string
	UAFamily       *string
	UAMajor        *string
	Path           string
	Manifest       bool
	Fragment       bool
	LiveChannel    *string
	ContentPackage *string
	AssetNumber    *string
	UID            *string
	SID            *string
	ContentLength  float64
	TimeFirstByte  float64
	TimeToServ     float64
}

// OutputColumns is the fixed, ordered CSV header. Every sink that writes
// derived records must use exactly this order.
var OutputColumns = []string{
	"#timestamp", "statuscode", "method", "protocol", "hit", "contenttype",
	"cachename", "popname", "host", "coordinates", "devicebrand",
	"devicefamily", "devicemodel", "osfamily", "uafamily", "uamajor", "path",
	"manifest", "fragment", "livechannel", "contentpackage", "assetnumber",
	"uid", "sid", "contentlength", "timefirstbyte", "timetoserv",
}

// AnonymizedColumns is the fixed set of derived-record fields substituted
// through a pseudonym store.
var AnonymizedColumns = []string{
	"cachename", "popname", "host", "coordinates", "devicebrand",
	"devicefamily", "devicemodel", "osfamily", "uafamily", "uamajor", "path",
	"livechannel", "contentpackage", "assetnumber", "uid", "sid",
}

// ColumnTokenLength gives the hex-nibble length of the token minted for
// each anonymized column.
var ColumnTokenLength = map[string]int{
	"cachename":      4,
	"popname":        4,
	"host":           8,
	"coordinates":    8,
	"devicebrand":    4,
	"devicefamily":   4,
	"devicemodel":    4,
	"osfamily":       4,
	"uafamily":       4,
	"uamajor":        4,
	"path":           16,
	"livechannel":    4,
	"contentpackage": 8,
	"assetnumber":    8,
	"uid":            12,
	"sid":            12,
}
