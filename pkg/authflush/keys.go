package authflush

import (
	"fmt"
	"strings"
)

// AuthRequestsChannel is the single well-known channel client handlers
// publish cache-miss renewal requests to.
const AuthRequestsChannel = "auth_requests"

const (
	authKeyPrefix          = "auth:"
	reportKeyPrefix        = "report:"
	toFlushKeyPrefix       = "to_flush:"
	flushingReportKeysBase = "flushing_report_keys"
	respChannelPrefix      = "auth_resp:"
)

// ReportKeysSet is the set of active report-hash keys awaiting a flush.
const ReportKeysSet = "report_keys"

// KeyNamer derives the KV keys and pub/sub channel names used by Storage and
// Renewer from (service, credentials, metric, suffix). It holds no state;
// Storage and Renewer each hold its concrete zero value in a field.
type KeyNamer struct{}

// AuthHashKey returns the hash key holding an application's per-metric
// authorization decisions.
func (KeyNamer) AuthHashKey(service string, creds Credentials) string {
	return authKeyPrefix + service + ":" + creds.CanonicalString()
}

// ReportHashKey returns the hash key holding an application's accumulated,
// not-yet-flushed usage deltas.
func (KeyNamer) ReportHashKey(service string, creds Credentials) string {
	return reportKeyPrefix + service + ":" + creds.CanonicalString()
}

// FlushingReportKeysSet returns the name of the set a flush cycle renames
// report_keys into while it drains it.
func (KeyNamer) FlushingReportKeysSet(suffix string) string {
	return flushingReportKeysBase + suffix
}

// NameKeyToFlush returns the name a report hash key is renamed to while being
// flushed, unique per flush cycle via suffix.
func (KeyNamer) NameKeyToFlush(key, suffix string) string {
	return toFlushKeyPrefix + key + suffix
}

// ServiceAndCreds recovers (service, credentials) from a key produced by
// NameKeyToFlush(ReportHashKey(service, creds), suffix). It is the exact
// inverse of NameKeyToFlush+ReportHashKey.
func (n KeyNamer) ServiceAndCreds(flushedKey, suffix string) (service string, creds Credentials, err error) {
	rest := strings.TrimPrefix(flushedKey, toFlushKeyPrefix)
	if rest == flushedKey {
		return "", Credentials{}, fmt.Errorf("authflush: %q is not a to_flush key", flushedKey)
	}

	rest = strings.TrimSuffix(rest, suffix)
	rest = strings.TrimPrefix(rest, reportKeyPrefix)

	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", Credentials{}, fmt.Errorf("authflush: cannot parse service/credentials from %q", flushedKey)
	}

	creds, err = ParseCredentials(parts[1])
	if err != nil {
		return "", Credentials{}, fmt.Errorf("authflush: parsing credentials from %q: %w", flushedKey, err)
	}
	return parts[0], creds, nil
}

// PubSubAuthsRespChannel returns the deterministic, per-request response
// channel name a renewal task publishes its decision on.
func (KeyNamer) PubSubAuthsRespChannel(service string, creds Credentials, metric string) string {
	return fmt.Sprintf("%sservice_id:%s,%s,metric:%s", respChannelPrefix, service, creds.CanonicalString(), metric)
}
