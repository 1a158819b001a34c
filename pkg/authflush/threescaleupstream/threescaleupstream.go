// Package threescaleupstream adapts github.com/3scale/3scale-go-client's
// backend client into the authorizer.Upstream boundary, so the tested
// decision core never imports the client library's own types directly.
package threescaleupstream

import (
	"context"

	"github.com/3scale/3scale-go-client/threescale"
	"github.com/3scale/3scale-go-client/threescale/api"

	"github.com/3scale/authflush/pkg/authflush"
	"github.com/3scale/authflush/pkg/authflush/authorizer"
)

// Upstream wraps a threescale.Client and a fixed backend auth token pair,
// translating between the authorizer package's boundary types and the
// client library's wire types.
type Upstream struct {
	client threescale.Client
	auth   api.ClientAuth
}

// New returns an Upstream that authorizes against client using authType
// ("provider_key" or "service_token") and authKey for every call. Keeping
// the constructor's parameters plain strings means callers never need to
// import the client library's api package themselves.
func New(client threescale.Client, authType, authKey string) *Upstream {
	return &Upstream{client: client, auth: api.ClientAuth{Type: api.AuthType(authType), Value: authKey}}
}

// Authorize asks the backend for the current usage state of serviceID/creds
// with no metric increments, using hierarchy extensions so the full metric
// tree comes back in one call.
func (u *Upstream) Authorize(ctx context.Context, req authorizer.Request) (*authorizer.AuthResult, error) {
	return u.call(req)
}

// OAuthAuthorize is identical to Authorize for this backend: it makes the
// same call with the same api.Params. paramsFrom maps only app_id, app_key,
// user_id and user_key, so an OAuth token field in Credentials.Fields is not
// sent to the backend.
func (u *Upstream) OAuthAuthorize(ctx context.Context, req authorizer.Request) (*authorizer.AuthResult, error) {
	return u.call(req)
}

func (u *Upstream) call(req authorizer.Request) (*authorizer.AuthResult, error) {
	resp, err := u.client.Authorize(threescale.Request{
		Service: api.Service(req.ServiceID),
		Auth:    u.auth,
		Extensions: api.Extensions{
			api.HierarchyExtension: "1",
		},
		Transactions: []api.Transaction{
			{Params: paramsFrom(req.Credentials)},
		},
	})
	if err != nil {
		return nil, err
	}
	return toAuthResult(resp), nil
}

// paramsFrom maps the generic Credentials field map onto the backend
// client's flat Params struct.
func paramsFrom(creds authflush.Credentials) api.Params {
	return api.Params{
		AppID:   creds.Fields["app_id"],
		AppKey:  creds.Fields["app_key"],
		UserID:  creds.Fields["user_id"],
		UserKey: creds.Fields["user_key"],
	}
}

func toAuthResult(resp *threescale.AuthorizeResult) *authorizer.AuthResult {
	result := &authorizer.AuthResult{
		Success:   resp.Authorized,
		ErrorCode: resp.ErrorCode,
	}

	for metric, reports := range resp.UsageReports {
		for _, r := range reports {
			result.UsageReports = append(result.UsageReports, authorizer.UsageReport{
				Metric:       metric,
				CurrentValue: r.CurrentValue,
				MaxValue:     r.MaxValue,
			})
			if r.CurrentValue >= r.MaxValue {
				result.LimitsExceeded = true
			}
		}
	}

	if resp.AuthorizeExtensions.Hierarchy != nil {
		result.Hierarchy = map[string][]string(resp.AuthorizeExtensions.Hierarchy)
	}

	return result
}
