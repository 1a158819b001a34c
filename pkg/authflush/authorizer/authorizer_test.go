package authorizer

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/3scale/authflush/pkg/authflush"
)

type fakeUpstream struct {
	result *AuthResult
	err    error
}

func (f *fakeUpstream) Authorize(ctx context.Context, req Request) (*AuthResult, error) {
	return f.result, f.err
}

func (f *fakeUpstream) OAuthAuthorize(ctx context.Context, req Request) (*AuthResult, error) {
	return f.result, f.err
}

func creds() authflush.Credentials {
	return authflush.NewCredentials(map[string]string{"user_key": "a_user_key"}, false)
}

func TestAuthorizations_AllWithinLimits(t *testing.T) {
	up := &fakeUpstream{result: &AuthResult{
		Success: true,
		UsageReports: []UsageReport{
			{Metric: "hits", CurrentValue: 1, MaxValue: 100},
		},
	}}
	a := New(up)

	got, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got["hits"].Authorized() {
		t.Fatalf("expected hits to be authorized, got %v", got["hits"])
	}
}

func TestAuthorizations_OverLimit(t *testing.T) {
	up := &fakeUpstream{result: &AuthResult{
		Success:        true,
		LimitsExceeded: true,
		UsageReports: []UsageReport{
			{Metric: "hits", CurrentValue: 101, MaxValue: 100},
		},
	}}
	a := New(up)

	got, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["hits"].Authorized() {
		t.Fatal("expected hits to be denied")
	}
	if got["hits"].Reason() != authflush.ReasonLimitsExceeded {
		t.Fatalf("expected reason %q, got %q", authflush.ReasonLimitsExceeded, got["hits"].Reason())
	}
}

func TestAuthorizations_CurrentEqualsMax_IsDenied(t *testing.T) {
	up := &fakeUpstream{result: &AuthResult{
		Success:        true,
		LimitsExceeded: true,
		UsageReports: []UsageReport{
			{Metric: "hits", CurrentValue: 100, MaxValue: 100},
		},
	}}
	a := New(up)

	got, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["hits"].Authorized() {
		t.Fatal("expected hits at exactly its limit to be denied")
	}
}

func TestAuthorizations_HierarchyPropagatesDeny(t *testing.T) {
	up := &fakeUpstream{result: &AuthResult{
		Success:        true,
		LimitsExceeded: true,
		UsageReports: []UsageReport{
			{Metric: "hits", CurrentValue: 101, MaxValue: 100},
			{Metric: "child_a", CurrentValue: 1, MaxValue: 1000},
			{Metric: "child_b", CurrentValue: 1, MaxValue: 1000},
		},
		Hierarchy: map[string][]string{
			"hits": {"child_a", "child_b"},
		},
	}}
	a := New(up)

	got, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["hits"].Authorized() {
		t.Fatal("expected parent to be denied")
	}
	for _, child := range []string{"child_a", "child_b"} {
		if got[child].Authorized() {
			t.Fatalf("expected %s to inherit parent denial", child)
		}
		if got[child].Reason() != authflush.ReasonLimitsExceeded {
			t.Fatalf("expected %s denial reason %q, got %q", child, authflush.ReasonLimitsExceeded, got[child].Reason())
		}
	}
}

func TestAuthorizations_ParentWithinLimitsLeavesChildrenUnaffected(t *testing.T) {
	up := &fakeUpstream{result: &AuthResult{
		Success: true,
		UsageReports: []UsageReport{
			{Metric: "hits", CurrentValue: 1, MaxValue: 100},
			{Metric: "child_a", CurrentValue: 1, MaxValue: 1000},
		},
		Hierarchy: map[string][]string{
			"hits": {"child_a"},
		},
	}}
	a := New(up)

	got, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got["child_a"].Authorized() {
		t.Fatal("expected child to remain authorized when parent is within limits")
	}
}

func TestAuthorizations_UpstreamFailure_DeniesAll(t *testing.T) {
	up := &fakeUpstream{result: &AuthResult{
		Success:        false,
		LimitsExceeded: false,
		ErrorCode:      "service_id_invalid",
		UsageReports: []UsageReport{
			{Metric: "hits", CurrentValue: 0, MaxValue: 100},
		},
	}}
	a := New(up)

	got, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["hits"].Authorized() {
		t.Fatal("expected deny-all on upstream rejection")
	}
	if got["hits"].Reason() != "service_id_invalid" {
		t.Fatalf("expected reason to carry error code, got %q", got["hits"].Reason())
	}
}

func TestAuthorizations_UpstreamFailure_DeniesEveryRequestedMetricNotJustReported(t *testing.T) {
	up := &fakeUpstream{result: &AuthResult{
		Success:        false,
		LimitsExceeded: false,
		ErrorCode:      "service_id_invalid",
	}}
	a := New(up)

	got, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits", "other_metric"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, metric := range []string{"hits", "other_metric"} {
		if got[metric].Authorized() {
			t.Fatalf("expected %s to be denied", metric)
		}
		if got[metric].Reason() != "service_id_invalid" {
			t.Fatalf("expected %s reason to carry error code, got %q", metric, got[metric].Reason())
		}
	}
}

func TestAuthorizations_ReportedMetricWithNoUsageReportIsAllowed(t *testing.T) {
	up := &fakeUpstream{result: &AuthResult{
		Success: true,
		UsageReports: []UsageReport{
			{Metric: "hits", CurrentValue: 1, MaxValue: 100},
		},
	}}
	a := New(up)

	got, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits", "unmetered_metric"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got["unmetered_metric"].Authorized() {
		t.Fatalf("expected unmetered_metric with no usage report to be allowed, got %v", got["unmetered_metric"])
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestAuthorizations_UnavailableUpstream_WrapsError(t *testing.T) {
	up := &fakeUpstream{err: timeoutErr{}}
	a := New(up)

	_, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var unavailable *UpstreamUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UpstreamUnavailableError, got %T: %v", err, err)
	}
}

func TestAuthorizations_NonNetworkError_NotWrapped(t *testing.T) {
	up := &fakeUpstream{err: errors.New("boom")}
	a := New(up)

	_, err := a.Authorizations(context.Background(), "svc", creds(), []string{"hits"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var unavailable *UpstreamUnavailableError
	if errors.As(err, &unavailable) {
		t.Fatal("did not expect a plain error to be classified as upstream-unavailable")
	}
}

func TestAuthorizations_OAuthUsesOAuthCall(t *testing.T) {
	up := &fakeUpstream{result: &AuthResult{
		Success: true,
		UsageReports: []UsageReport{
			{Metric: "hits", CurrentValue: 1, MaxValue: 100},
		},
	}}
	a := New(up)

	oauthCreds := authflush.NewCredentials(map[string]string{"oauth_token": "tok"}, true)
	got, err := a.Authorizations(context.Background(), "svc", oauthCreds, []string{"hits"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got["hits"].Authorized() {
		t.Fatal("expected hits to be authorized")
	}
}
