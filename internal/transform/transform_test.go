package transform

import (
	"testing"
	"time"

	"cdn-log-anonymizer/pkg/types"
)

type fakeStores struct{ calls map[string][]string }

func newFakeStores() *fakeStores { return &fakeStores{calls: map[string][]string{}} }

func (f *fakeStores) Map(column string, key *string) *string {
	if key == nil {
		return nil
	}
	f.calls[column] = append(f.calls[column], *key)
	tok := "TOK-" + column + "-" + *key
	return &tok
}

type fakeGeo struct{ coord *string }

func (f fakeGeo) Lookup(ip string) (*string, error) { return f.coord, nil }

type fakeUA struct{ info types.UserAgentInfo }

func (f fakeUA) Parse(ua string) (types.UserAgentInfo, error) { return f.info, nil }

func baseContext(stores Stores, geo types.GeoLookup, ua types.UserAgentLookup) Context {
	return Context{
		CacheName:     "lax3",
		PopName:       "lax",
		TimeShiftDays: 7,
		Xyte:          1024,
		Stores:        stores,
		Enrich:        Enrichers{Geo: geo, UA: ua},
	}
}

func TestTransformHappyPath(t *testing.T) {
	stores := newFakeStores()
	coord := "13.40:52.52"
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	raw := types.RawRecord{
		IP:            "203.0.113.7",
		Timestamp:     ts,
		Request:       "GET https://edge-01.example.com/path/video.mpd HTTP/1.1",
		StatusCode:    200,
		ContentLength: 2048,
		TimeFirstByte: 0.01,
		TimeToServ:    5_000_000,
		Hit:           "HIT",
		ContentType:   "video/mp4",
	}

	out, err := Transform(baseContext(stores, fakeGeo{coord: &coord}, fakeUA{}), raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	if out.Method != "GET" || out.Protocol != "HTTP/1.1" {
		t.Errorf("method/protocol = %q/%q", out.Method, out.Protocol)
	}
	if out.Path != "TOK-path-/path/video.mpd" {
		t.Errorf("path = %q", out.Path)
	}
	if !out.Manifest {
		t.Errorf("manifest = false, want true for .mpd path")
	}
	if out.TimeToServ != 5 {
		t.Errorf("timetoserv = %v, want 5s", out.TimeToServ)
	}
	if out.ContentLength != 2 {
		t.Errorf("contentlength = %v, want 2 (2048/1024)", out.ContentLength)
	}
	if !out.Timestamp.Equal(ts.AddDate(0, 0, 7)) {
		t.Errorf("timestamp = %v, want shifted by 7 days", out.Timestamp)
	}
	if out.Coordinates == nil || *out.Coordinates != "TOK-coordinates-13.40:52.52" {
		t.Errorf("coordinates = %v", out.Coordinates)
	}
}

func TestTransformMissingRequiredFieldIsSkipped(t *testing.T) {
	stores := newFakeStores()
	raw := types.RawRecord{
		IP:          "",
		Timestamp:   time.Now(),
		Request:     "GET / HTTP/1.1",
		ContentType: "text/html",
	}
	if _, err := Transform(baseContext(stores, fakeGeo{}, fakeUA{}), raw); err == nil {
		t.Fatal("expected a record-level error for missing ip")
	}
}

func TestTransformXForwardedForOverridesLocalhost(t *testing.T) {
	stores := newFakeStores()
	xff := "198.51.100.9, 10.0.0.1"
	var gotIP string
	geo := geoSpy{fn: func(ip string) { gotIP = ip }}

	raw := types.RawRecord{
		IP:            "127.0.0.1",
		Timestamp:     time.Now(),
		Request:       "GET /x HTTP/1.1",
		ContentType:   "text/html",
		XForwardedFor: &xff,
	}
	if _, err := Transform(baseContext(stores, geo, fakeUA{}), raw); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if gotIP != "198.51.100.9" {
		t.Errorf("geo lookup ip = %q, want first XFF entry", gotIP)
	}
}

type geoSpy struct{ fn func(string) }

func (g geoSpy) Lookup(ip string) (*string, error) {
	g.fn(ip)
	return nil, nil
}

func TestTransformSessionCookieExtraction(t *testing.T) {
	stores := newFakeStores()
	cookie := "session=user42,sess99,-,-"
	raw := types.RawRecord{
		IP:            "203.0.113.1",
		Timestamp:     time.Now(),
		Request:       "GET /x HTTP/1.1",
		ContentType:   "text/html",
		SessionCookie: &cookie,
	}
	out, err := Transform(baseContext(stores, fakeGeo{}, fakeUA{}), raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if out.UID == nil || *out.UID != "TOK-uid-user42" {
		t.Errorf("uid = %v", out.UID)
	}
	if out.SID == nil || *out.SID != "TOK-sid-sess99" {
		t.Errorf("sid = %v", out.SID)
	}
}

func TestTransformContentPackageExtraction(t *testing.T) {
	stores := newFakeStores()
	raw := types.RawRecord{
		IP:          "203.0.113.1",
		Timestamp:   time.Now(),
		Request:     "GET /123456789012345678/1234567890123456/ HTTP/1.1",
		ContentType: "text/html",
	}
	out, err := Transform(baseContext(stores, fakeGeo{}, fakeUA{}), raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if out.ContentPackage == nil {
		t.Fatal("expected a content package token")
	}
	if out.AssetNumber == nil {
		t.Fatal("expected an asset number token")
	}
}

func TestTransformFragmentClassification(t *testing.T) {
	stores := newFakeStores()
	raw := types.RawRecord{
		IP:          "203.0.113.1",
		Timestamp:   time.Now(),
		Request:     "GET /seg/chunk.ts HTTP/1.1",
		ContentType: "video/mp2t",
	}
	out, err := Transform(baseContext(stores, fakeGeo{}, fakeUA{}), raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !out.Fragment {
		t.Errorf("fragment = false, want true for .ts path")
	}
	if out.Manifest {
		t.Errorf("manifest = true, want false for .ts path")
	}
}
