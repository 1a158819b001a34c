// Package authflush provides the shared value types and KV naming
// conventions used by the authorizer, storage and renewer packages: credential
// identities, authorization decisions, the auth-request wire grammar, and the
// deterministic key/channel names derived from them.
package authflush

import (
	"fmt"
	"sort"
	"strings"
)

// Credentials is an opaque identifier set for an application: a user-key, an
// app-id/app-key pair, or an OAuth token, expressed generically as a field
// map so the core never needs to know which authentication pattern is in use.
type Credentials struct {
	Fields map[string]string
	OAuth  bool
}

// NewCredentials returns a Credentials value wrapping the given fields.
func NewCredentials(fields map[string]string, oauth bool) Credentials {
	return Credentials{Fields: fields, OAuth: oauth}
}

// CanonicalString returns the canonical form used in cache keys and channel
// names: fields sorted lexicographically by key, values percent-escaped so
// the result can be parsed back unambiguously.
func (c Credentials) CanonicalString() string {
	keys := make([]string, 0, len(c.Fields))
	for k := range c.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+":"+escape(c.Fields[k]))
	}
	return strings.Join(pairs, ",")
}

// ParseCredentials is the inverse of CanonicalString for the credential
// fields. OAuth is not part of the canonical form, so the result always has
// OAuth set to false.
func ParseCredentials(canonical string) (Credentials, error) {
	fields := make(map[string]string)
	if canonical == "" {
		return Credentials{Fields: fields}, nil
	}

	for _, pair := range strings.Split(canonical, ",") {
		idx := strings.IndexByte(pair, ':')
		if idx < 0 {
			return Credentials{}, fmt.Errorf("authflush: malformed credential pair %q", pair)
		}
		key := pair[:idx]
		value := unescape(pair[idx+1:])
		if key == "" {
			return Credentials{}, fmt.Errorf("authflush: empty credential key in %q", pair)
		}
		fields[key] = value
	}
	return Credentials{Fields: fields}, nil
}

// escape percent-escapes the delimiter characters used by the key/channel
// grammar ('%' itself first, so decoding is unambiguous, then ':' and ',').
func escape(v string) string {
	v = strings.ReplaceAll(v, "%", "%25")
	v = strings.ReplaceAll(v, ":", "%3A")
	v = strings.ReplaceAll(v, ",", "%2C")
	return v
}

func unescape(v string) string {
	v = strings.ReplaceAll(v, "%3A", ":")
	v = strings.ReplaceAll(v, "%2C", ",")
	v = strings.ReplaceAll(v, "%25", "%")
	return v
}
