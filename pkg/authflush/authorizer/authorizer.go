// Package authorizer translates a single upstream authorization call into
// the full per-metric decision map the renewer caches and publishes.
package authorizer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/3scale/authflush/pkg/authflush"
)

// Request is the boundary value passed to Upstream. It carries only what an
// authorization call needs; the reported metric that triggered the renewal
// is not part of it, since Authorizations always re-derives decisions for
// every metric the upstream reports usage for.
type Request struct {
	ServiceID   string
	Credentials authflush.Credentials
}

// UsageReport is one metric's current/max counters as returned by the
// upstream for the authorization period it reports on.
type UsageReport struct {
	Metric       string
	CurrentValue int
	MaxValue     int
}

// AuthResult is the upstream's answer to a single Authorize/OAuthAuthorize
// call: whether the call succeeded, whether any reported metric is over its
// limit, the per-metric usage state, and the metric hierarchy needed to
// propagate a deny from a parent metric to its children.
type AuthResult struct {
	Success        bool
	LimitsExceeded bool
	ErrorCode      string
	UsageReports   []UsageReport
	Hierarchy      map[string][]string
}

// Upstream is the narrow boundary the Authorizer depends on. Production code
// satisfies it with pkg/authflush/threescaleupstream; tests satisfy it with
// a fake.
type Upstream interface {
	Authorize(ctx context.Context, req Request) (*AuthResult, error)
	OAuthAuthorize(ctx context.Context, req Request) (*AuthResult, error)
}

// UpstreamUnavailableError wraps a failure reaching the upstream so callers
// can distinguish "upstream said no" from "upstream could not be reached".
type UpstreamUnavailableError struct {
	Service     string
	Credentials authflush.Credentials
	Err         error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("authorizer: upstream unavailable for service %s: %s", e.Service, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// Authorizer turns one upstream call into a decision for every metric the
// upstream reports usage for.
type Authorizer struct {
	upstream Upstream
}

// New returns an Authorizer backed by the given Upstream.
func New(upstream Upstream) *Authorizer {
	return &Authorizer{upstream: upstream}
}

// Authorizations calls the upstream once for (serviceID, creds) and returns a
// decision for every metric in the union of reportedMetrics and the result's
// usage reports. A reported metric absent from the usage reports has no
// limit and is treated as allowed. When the upstream rejects the call
// outright (neither Success nor LimitsExceeded), only reportedMetrics are
// returned, each denied with the upstream's error code.
func (a *Authorizer) Authorizations(ctx context.Context, serviceID string, creds authflush.Credentials, reportedMetrics []string) (map[string]authflush.Authorization, error) {
	req := Request{ServiceID: serviceID, Credentials: creds}

	var (
		result *AuthResult
		err    error
	)
	if creds.OAuth {
		result, err = a.upstream.OAuthAuthorize(ctx, req)
	} else {
		result, err = a.upstream.Authorize(ctx, req)
	}
	if err != nil {
		if isUnavailable(err) {
			return nil, &UpstreamUnavailableError{Service: serviceID, Credentials: creds, Err: err}
		}
		return nil, fmt.Errorf("authorizer: authorize call failed: %w", err)
	}

	decisions := make(map[string]authflush.Authorization, len(result.UsageReports)+len(reportedMetrics))

	if !result.Success && !result.LimitsExceeded {
		for _, metric := range reportedMetrics {
			decisions[metric] = authflush.Deny(result.ErrorCode)
		}
		return decisions, nil
	}

	overLimit := make(map[string]bool, len(result.UsageReports))
	for _, ur := range result.UsageReports {
		if ur.CurrentValue >= ur.MaxValue {
			overLimit[ur.Metric] = true
		}
	}

	parents := parentOrder(result.Hierarchy)
	for _, metric := range parents {
		decide(metric, overLimit, decisions)
	}
	for _, ur := range result.UsageReports {
		if _, done := decisions[ur.Metric]; !done {
			decide(ur.Metric, overLimit, decisions)
		}
	}
	// reportedMetrics with no usage report at all are non-limited: treat
	// their (empty) usage list as within limits.
	for _, metric := range reportedMetrics {
		if _, done := decisions[metric]; !done {
			decide(metric, overLimit, decisions)
		}
	}

	for parent, children := range result.Hierarchy {
		if decisions[parent].Authorized() {
			continue
		}
		for _, child := range children {
			decisions[child] = authflush.DenyOverLimits()
		}
	}

	return decisions, nil
}

// decide records metric's own decision, ignoring any hierarchy propagation
// (that happens in a second pass so a parent's denial always wins).
func decide(metric string, overLimit map[string]bool, decisions map[string]authflush.Authorization) {
	if overLimit[metric] {
		decisions[metric] = authflush.DenyOverLimits()
		return
	}
	decisions[metric] = authflush.Allow()
}

// parentOrder returns the hierarchy's parent metrics sorted for determinism,
// so parent decisions are always made (and can propagate) before their
// children are visited by the fallback loop in Authorizations.
func parentOrder(hierarchy map[string][]string) []string {
	parents := make([]string, 0, len(hierarchy))
	for parent := range hierarchy {
		parents = append(parents, parent)
	}
	sort.Strings(parents)
	return parents
}

// isUnavailable classifies a transport-level error (connection refused,
// timeout, DNS failure) as an unreachable upstream rather than a rejected
// call: any *net.OpError or *net.DNSError in the chain, or any other
// net.Error reporting Timeout() or Temporary().
func isUnavailable(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if ok := asNetError(err, &netErr); ok {
		return netErr.Timeout() || isTemporary(netErr)
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// isTemporary calls the deprecated but still widely implemented
// Temporary() method via an interface check, since net.Error itself no
// longer requires it.
func isTemporary(err net.Error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}
