package enrich

import (
	"github.com/ua-parser/uap-go/uaparser"

	"cdn-log-anonymizer/pkg/types"
)

// UserAgentLookup classifies a raw User-Agent header into the
// device/OS/user-agent six-tuple the output schema carries.
type UserAgentLookup struct {
	parser *uaparser.Parser
}

// OpenUserAgentParser loads the ua-parser regex database. An empty
// regexFile uses the library's bundled default definitions.
func OpenUserAgentParser(regexFile string) (*UserAgentLookup, error) {
	if regexFile == "" {
		return &UserAgentLookup{parser: uaparser.NewFromSaved()}, nil
	}
	p, err := uaparser.New(regexFile)
	if err != nil {
		return nil, err
	}
	return &UserAgentLookup{parser: p}, nil
}

// Parse classifies ua. Every field of the result is nil unless the
// underlying parser matched a non-empty value, so an unrecognized
// User-Agent round-trips as an all-null tuple instead of as "Other".
func (u *UserAgentLookup) Parse(ua string) (types.UserAgentInfo, error) {
	c := u.parser.Parse(ua)
	return types.UserAgentInfo{
		DeviceBrand:  nonEmpty(c.Device.Brand),
		DeviceFamily: nonEmpty(c.Device.Family),
		DeviceModel:  nonEmpty(c.Device.Model),
		OSFamily:     nonEmpty(c.Os.Family),
		UAFamily:     nonEmpty(c.UserAgent.Family),
		UAMajor:      nonEmpty(c.UserAgent.Major),
	}, nil
}

func nonEmpty(s string) *string {
	if s == "" || s == "Other" {
		return nil
	}
	return &s
}
