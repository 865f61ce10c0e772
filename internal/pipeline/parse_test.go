package pipeline

import (
	"testing"
)

func sampleLine24() string {
	// ip=0 -   -   timestamp=3 -   request=5   statuscode=6 contentlength=7
	// -   useragent=9 -  timefirstbyte=11 timetoserv=12 -  hit=14 -  -  contenttype=17
	// -  sessioncookie=19 xforwardedfor=20 -  -  side=23
	fields := []string{
		"89.204.153.53", "-", "-", "[30/Jul/2026:10:00:00", "-", `"GET /a/b.ts HTTP/1.1"`,
		"200", "1024", "-", "Mozilla/5.0", "-", "0.010", "50000", "-", "HIT", "-",
		"-", "text/plain", "-", "session=-,INT-4178154,-,-", "-", "-", "-", "c",
	}
	return join(fields)
}

func join(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}

func TestParseLine24ColumnLayout(t *testing.T) {
	idx, err := layoutFor("24")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := ParseLine(sampleLine24(), idx)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if raw.IP != "89.204.153.53" {
		t.Errorf("IP = %q", raw.IP)
	}
	if raw.StatusCode != 200 {
		t.Errorf("StatusCode = %d", raw.StatusCode)
	}
	if raw.Request != "GET /a/b.ts HTTP/1.1" {
		t.Errorf("Request = %q", raw.Request)
	}
	if raw.UserAgent == nil || *raw.UserAgent != "Mozilla/5.0" {
		t.Errorf("UserAgent = %v", raw.UserAgent)
	}
	if raw.Host != nil {
		t.Errorf("24-column layout should not populate Host, got %v", raw.Host)
	}
	if raw.SessionCookie == nil || *raw.SessionCookie != "session=-,INT-4178154,-,-" {
		t.Errorf("SessionCookie = %v", raw.SessionCookie)
	}
	if raw.Side == nil || *raw.Side != "c" {
		t.Errorf("Side = %v", raw.Side)
	}
}

func TestParseLineMissingRequiredFieldErrors(t *testing.T) {
	idx, _ := layoutFor("24")
	fields := []string{"-", "-", "-", "[30/Jul/2026:10:00:00"} // too short, missing request etc.
	if _, err := ParseLine(join(fields), idx); err == nil {
		t.Fatal("expected an error for a line missing required fields")
	}
}

func TestSplitLogLineHonorsQuotesAndEscapes(t *testing.T) {
	line := `a "b c" d\ e`
	got := splitLogLine(line)
	want := []string{"a", "b c", "d e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLayoutForRejectsUnknown(t *testing.T) {
	if _, err := layoutFor("30"); err == nil {
		t.Fatal("expected an error for an unsupported layout")
	}
}
