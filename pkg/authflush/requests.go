package authflush

import (
	"fmt"
	"strings"
)

// FormatAuthRequest serializes an auth request for the AuthRequestsChannel
// wire grammar: "service_id:<s>,<creds-canonical>,metric:<m>".
func FormatAuthRequest(service string, creds Credentials, metric string) string {
	canonical := creds.CanonicalString()
	if canonical == "" {
		return fmt.Sprintf("service_id:%s,metric:%s", service, metric)
	}
	return fmt.Sprintf("service_id:%s,%s,metric:%s", service, canonical, metric)
}

// ParseAuthRequest is the inverse of FormatAuthRequest. Credential fields are
// recovered from every comma-separated pair other than the leading
// "service_id:" and trailing "metric:" pairs, which lets credential canonical
// forms carry their own internal commas without ambiguity.
func ParseAuthRequest(payload string) (service string, creds Credentials, metric string, err error) {
	parts := strings.Split(payload, ",")
	if len(parts) < 2 {
		return "", Credentials{}, "", fmt.Errorf("authflush: malformed auth request %q", payload)
	}

	first := parts[0]
	if !strings.HasPrefix(first, "service_id:") {
		return "", Credentials{}, "", fmt.Errorf("authflush: auth request missing service_id: %q", payload)
	}
	service = strings.TrimPrefix(first, "service_id:")

	last := parts[len(parts)-1]
	if !strings.HasPrefix(last, "metric:") {
		return "", Credentials{}, "", fmt.Errorf("authflush: auth request missing metric: %q", payload)
	}
	metric = strings.TrimPrefix(last, "metric:")

	if service == "" || metric == "" {
		return "", Credentials{}, "", fmt.Errorf("authflush: auth request has empty service_id or metric: %q", payload)
	}

	creds, err = ParseCredentials(strings.Join(parts[1:len(parts)-1], ","))
	if err != nil {
		return "", Credentials{}, "", fmt.Errorf("authflush: auth request has malformed credentials: %w", err)
	}
	return service, creds, metric, nil
}
