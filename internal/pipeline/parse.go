package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cdn-log-anonymizer/pkg/types"
)

// timestampLayout matches the source format: a leading '[', English
// month abbreviation, no trailing bracket captured by the field tokenizer.
const timestampLayout = "[02/Jan/2006:15:04:05"

// columnIndex gives the byte-indexed field positions for one of the two
// input layouts the source may use.
type columnIndex struct {
	ip, timestamp, request, statuscode, contentlength int
	useragent, host, timeFirstByte, timeToServ         int
	hit, contenttype, sessioncookie, cachecontrol      int
	xforwardedfor, side                                int
	hasHost, hasCacheControl                           bool
}

var layout24 = columnIndex{
	ip: 0, timestamp: 3, request: 5, statuscode: 6, contentlength: 7,
	useragent: 9, timeFirstByte: 11, timeToServ: 12, hit: 14, contenttype: 17,
	sessioncookie: 19, xforwardedfor: 20, side: 23,
	hasHost: false, hasCacheControl: false,
}

var layout26 = columnIndex{
	ip: 0, timestamp: 3, request: 5, statuscode: 6, contentlength: 7,
	useragent: 9, host: 10, timeFirstByte: 11, timeToServ: 12, hit: 14,
	contenttype: 17, sessioncookie: 19, cachecontrol: 20, xforwardedfor: 22,
	side: 25,
	hasHost: true, hasCacheControl: true,
}

func layoutFor(name string) (columnIndex, error) {
	switch name {
	case "24":
		return layout24, nil
	case "26", "":
		return layout26, nil
	default:
		return columnIndex{}, fmt.Errorf("unsupported column layout %q", name)
	}
}

// splitLogLine tokenizes one space-delimited access-log line honoring
// double-quote grouping and backslash escaping.
func splitLogLine(line string) []string {
	fields := make([]string, 0, 26)
	var cur strings.Builder
	inQuotes := false
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// nullable treats the input null marker "-" as a missing value.
func nullable(fields []string, idx int) *string {
	if idx >= len(fields) {
		return nil
	}
	v := fields[idx]
	if v == "-" || v == "" {
		return nil
	}
	return &v
}

// ParseLine maps one tokenized source line to a RawRecord using the
// configured column layout. Returns an error for any of the fields spec
// §4.3 step 1 marks as mandatory.
func ParseLine(line string, idx columnIndex) (types.RawRecord, error) {
	fields := splitLogLine(line)

	ip := nullable(fields, idx.ip)
	if ip == nil {
		return types.RawRecord{}, fmt.Errorf("missing required field: ip")
	}

	tsRaw := nullable(fields, idx.timestamp)
	if tsRaw == nil {
		return types.RawRecord{}, fmt.Errorf("missing required field: timestamp")
	}
	ts, err := time.Parse(timestampLayout, *tsRaw)
	if err != nil {
		return types.RawRecord{}, fmt.Errorf("parse timestamp %q: %w", *tsRaw, err)
	}

	request := nullable(fields, idx.request)
	if request == nil {
		return types.RawRecord{}, fmt.Errorf("missing required field: request")
	}

	statusRaw := nullable(fields, idx.statuscode)
	if statusRaw == nil {
		return types.RawRecord{}, fmt.Errorf("missing required field: statuscode")
	}
	status, err := strconv.Atoi(*statusRaw)
	if err != nil {
		return types.RawRecord{}, fmt.Errorf("parse statuscode %q: %w", *statusRaw, err)
	}

	contentType := nullable(fields, idx.contenttype)
	if contentType == nil {
		return types.RawRecord{}, fmt.Errorf("missing required field: contenttype")
	}

	timeToServRaw := nullable(fields, idx.timeToServ)
	if timeToServRaw == nil {
		return types.RawRecord{}, fmt.Errorf("missing required field: timetoserv")
	}
	timeToServ, err := strconv.ParseFloat(*timeToServRaw, 64)
	if err != nil {
		return types.RawRecord{}, fmt.Errorf("parse timetoserv %q: %w", *timeToServRaw, err)
	}

	var contentLength float64
	if v := nullable(fields, idx.contentlength); v != nil {
		contentLength, _ = strconv.ParseFloat(*v, 64)
	}
	var timeFirstByte float64
	if v := nullable(fields, idx.timeFirstByte); v != nil {
		timeFirstByte, _ = strconv.ParseFloat(*v, 64)
	}

	var host *string
	if idx.hasHost {
		host = nullable(fields, idx.host)
	}
	var cacheControl *string
	if idx.hasCacheControl {
		cacheControl = nullable(fields, idx.cachecontrol)
	}

	return types.RawRecord{
		IP:            *ip,
		Timestamp:     ts,
		Request:       *request,
		StatusCode:    status,
		ContentLength: contentLength,
		UserAgent:     nullable(fields, idx.useragent),
		Host:          host,
		TimeFirstByte: timeFirstByte,
		TimeToServ:    timeToServ,
		Hit:           derefOrEmpty(nullable(fields, idx.hit)),
		ContentType:   *contentType,
		SessionCookie: nullable(fields, idx.sessioncookie),
		CacheControl:  cacheControl,
		XForwardedFor: nullable(fields, idx.xforwardedfor),
		Side:          nullable(fields, idx.side),
	}, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
