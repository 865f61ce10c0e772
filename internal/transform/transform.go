// Package transform implements the per-record transformation: a
// deterministic, side-effect-free function from one raw access-log
// record to one anonymized derived record, plus the regex-driven feature
// extractions (session cookie, live channel, content package/asset,
// streaming classification) it composes.
package transform

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"cdn-log-anonymizer/pkg/errors"
	"cdn-log-anonymizer/pkg/types"
)

var (
	hostRedirectLabel  = regexp.MustCompile(`^[a-zA-Z0-9-]+--`)
	hostRedirectTriple = regexp.MustCompile(`^[a-zA-Z0-9]+-[a-zA-Z0-9]+-[a-zA-Z0-9]+\.`)
	sessionCookieRe    = regexp.MustCompile(`session=(?:-|([^,]+)),(?:-|([^,]+)),(?:-|([^,]+)),(?:-|([^,;]+))`)
	liveChannelRe      = regexp.MustCompile(`PLTV/88888888/\d+/(\d+)/|([^/]+)\.isml`)
	contentPackageRe   = regexp.MustCompile(`/(\d{18,})/(\d{16,})/`)
	manifestRe         = regexp.MustCompile(`(?i)(?:\.isml?/Manifest|\.mpd|\.m3u8)$`)
	fragmentRe         = regexp.MustCompile(`(?i)(?:\.m4[avi]|\.ts|\.ism[av]|\.mp[4a]|/(?:Fragments|KeyFrames)\(.*\))$`)
)

// Stores gives the transformer access to the anonymized-column pseudonym
// stores, keyed by column name.
type Stores interface {
	Map(column string, key *string) *string
}

// Enrichers bundles the two per-worker enrichment lookups the transformer
// calls.
type Enrichers struct {
	Geo types.GeoLookup
	UA  types.UserAgentLookup
}

// Context is the shared, per-worker configuration and collaborator set
// the transformer closes over.
type Context struct {
	CacheName      string
	PopName        string
	TimeShiftDays  int
	Xyte           float64
	Stores         Stores
	Enrich         Enrichers
}

// Transform converts one raw record into a derived record. A returned
// error is always an *errors.AppError with CodeRecordInvalid and means
// the caller should skip this record and continue.
func Transform(ctx Context, raw types.RawRecord) (types.DerivedRecord, error) {
	// Step 2: side filter is applied by the caller before Transform is
	// invoked (it has already dropped `side` from the raw record), so it is
	// not repeated here.

	if err := validate(raw); err != nil {
		return types.DerivedRecord{}, err
	}

	out := types.DerivedRecord{
		StatusCode:    raw.StatusCode,
		Hit:           raw.Hit,
		ContentType:   raw.ContentType,
		ContentLength: raw.ContentLength / ctx.Xyte,
		TimeFirstByte: raw.TimeFirstByte,
		TimeToServ:    raw.TimeToServ / 1_000_000,
		Timestamp:     raw.Timestamp.AddDate(0, 0, ctx.TimeShiftDays),
		CacheName:     ctx.CacheName,
		PopName:       ctx.PopName,
	}

	method, urlStr, protocol, err := splitRequest(raw.Request)
	if err != nil {
		return types.DerivedRecord{}, err
	}
	out.Method = method
	out.Protocol = protocol

	host, path, err := decomposeURL(urlStr)
	if err != nil {
		return types.DerivedRecord{}, err
	}
	if raw.Host != nil && *raw.Host != "" {
		host = *raw.Host
	}
	host = sanitizeHost(host)
	out.Path = path

	if raw.SessionCookie != nil {
		uid, sid := extractSession(*raw.SessionCookie)
		out.UID, out.SID = uid, sid
	}

	out.LiveChannel = extractLiveChannel(path)
	out.ContentPackage, out.AssetNumber = extractContentPackage(path)

	ip := raw.IP
	if raw.XForwardedFor != nil {
		first := strings.SplitN(*raw.XForwardedFor, ",", 2)[0]
		if ip == "127.0.0.1" {
			ip = first
		}
	}
	coord, err := ctx.Enrich.Geo.Lookup(ip)
	if err != nil {
		return types.DerivedRecord{}, errors.RecordError("geoip-lookup", "GeoIP lookup failed", err)
	}
	out.Coordinates = coord

	if raw.UserAgent != nil {
		ua, err := ctx.Enrich.UA.Parse(*raw.UserAgent)
		if err != nil {
			return types.DerivedRecord{}, errors.RecordError("useragent-parse", "user-agent parse failed", err)
		}
		out.DeviceBrand = ua.DeviceBrand
		out.DeviceFamily = ua.DeviceFamily
		out.DeviceModel = ua.DeviceModel
		out.OSFamily = ua.OSFamily
		out.UAFamily = ua.UAFamily
		out.UAMajor = ua.UAMajor
	}

	out.Manifest = manifestRe.MatchString(path)
	out.Fragment = fragmentRe.MatchString(path)

	out.Host = anonymize(ctx.Stores, "host", &host)
	out.Coordinates = anonymize(ctx.Stores, "coordinates", out.Coordinates)
	out.DeviceBrand = anonymize(ctx.Stores, "devicebrand", out.DeviceBrand)
	out.DeviceFamily = anonymize(ctx.Stores, "devicefamily", out.DeviceFamily)
	out.DeviceModel = anonymize(ctx.Stores, "devicemodel", out.DeviceModel)
	out.OSFamily = anonymize(ctx.Stores, "osfamily", out.OSFamily)
	out.UAFamily = anonymize(ctx.Stores, "uafamily", out.UAFamily)
	out.UAMajor = anonymize(ctx.Stores, "uamajor", out.UAMajor)
	out.LiveChannel = anonymize(ctx.Stores, "livechannel", out.LiveChannel)
	out.ContentPackage = anonymize(ctx.Stores, "contentpackage", out.ContentPackage)
	out.AssetNumber = anonymize(ctx.Stores, "assetnumber", out.AssetNumber)
	out.UID = anonymize(ctx.Stores, "uid", out.UID)
	out.SID = anonymize(ctx.Stores, "sid", out.SID)
	cacheTok := anonymize(ctx.Stores, "cachename", &out.CacheName)
	out.CacheName = derefOr(cacheTok, out.CacheName)
	popTok := anonymize(ctx.Stores, "popname", &out.PopName)
	out.PopName = derefOr(popTok, out.PopName)
	pathTok := anonymize(ctx.Stores, "path", &out.Path)
	out.Path = derefOr(pathTok, out.Path)

	return out, nil
}

func validate(raw types.RawRecord) error {
	if raw.IP == "" {
		return errors.RecordError("validate", "missing ip", nil)
	}
	if raw.Timestamp.IsZero() {
		return errors.RecordError("validate", "missing timestamp", nil)
	}
	if raw.ContentType == "" {
		return errors.RecordError("validate", "missing contenttype", nil)
	}
	if raw.Request == "" {
		return errors.RecordError("validate", "missing request", nil)
	}
	return nil
}

func splitRequest(request string) (method, urlStr, protocol string, err error) {
	parts := strings.SplitN(request, " ", 3)
	if len(parts) != 3 {
		return "", "", "", errors.RecordError("split-request", fmt.Sprintf("malformed request line: %q", request), nil)
	}
	return parts[0], parts[1], parts[2], nil
}

func decomposeURL(raw string) (host, path string, err error) {
	u, parseErr := url.Parse(raw)
	if parseErr != nil {
		return "", "", errors.RecordError("decompose-url", fmt.Sprintf("malformed url: %q", raw), parseErr)
	}
	return u.Host, u.Path, nil
}

func sanitizeHost(host string) string {
	host = hostRedirectLabel.ReplaceAllString(host, "")
	host = hostRedirectTriple.ReplaceAllString(host, "")
	return host
}

func extractSession(cookie string) (uid, sid *string) {
	m := sessionCookieRe.FindStringSubmatch(cookie)
	if m == nil {
		return nil, nil
	}
	return strPtrOrNil(m[1]), strPtrOrNil(m[2])
}

func extractLiveChannel(path string) *string {
	m := liveChannelRe.FindStringSubmatch(path)
	if m == nil {
		return nil
	}
	if m[1] != "" {
		return &m[1]
	}
	if m[2] != "" {
		return &m[2]
	}
	return nil
}

func extractContentPackage(path string) (contentPackage, assetNumber *string) {
	m := contentPackageRe.FindStringSubmatch(path)
	if m == nil {
		return nil, nil
	}
	return &m[1], &m[2]
}

func anonymize(s Stores, column string, value *string) *string {
	if value == nil {
		return nil
	}
	return s.Map(column, value)
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefOr(tok *string, fallback string) string {
	if tok == nil {
		return fallback
	}
	return *tok
}
