package authflush

import "testing"

func TestFormatAuthRequest(t *testing.T) {
	creds := NewCredentials(map[string]string{"user_key": "a_user_key"}, false)
	got := FormatAuthRequest("a_service_id", creds, "a_metric")
	want := "service_id:a_service_id,user_key:a_user_key,metric:a_metric"
	if got != want {
		t.Fatalf("FormatAuthRequest() = %q, want %q", got, want)
	}
}

func TestParseAuthRequest_RoundTrip(t *testing.T) {
	inputs := []struct {
		service string
		creds   Credentials
		metric  string
	}{
		{"a_service_id", NewCredentials(map[string]string{"user_key": "a_user_key"}, false), "a_metric"},
		{"svc", NewCredentials(map[string]string{"app_id": "1", "app_key": "2"}, false), "hits"},
		{"svc", NewCredentials(map[string]string{"user_key": "has,comma:colon"}, false), "hits"},
	}

	for _, in := range inputs {
		payload := FormatAuthRequest(in.service, in.creds, in.metric)

		service, creds, metric, err := ParseAuthRequest(payload)
		if err != nil {
			t.Fatalf("ParseAuthRequest(%q) error: %v", payload, err)
		}
		if service != in.service {
			t.Errorf("service mismatch: got %q want %q", service, in.service)
		}
		if metric != in.metric {
			t.Errorf("metric mismatch: got %q want %q", metric, in.metric)
		}
		if creds.CanonicalString() != in.creds.CanonicalString() {
			t.Errorf("credentials mismatch: got %q want %q", creds.CanonicalString(), in.creds.CanonicalString())
		}
	}
}

func TestParseAuthRequest_Malformed(t *testing.T) {
	cases := []string{
		"",
		"service_id:only",
		"metric:only",
		"service_id:,metric:m",
		"service_id:s,metric:",
	}
	for _, c := range cases {
		if _, _, _, err := ParseAuthRequest(c); err == nil {
			t.Errorf("ParseAuthRequest(%q) expected error", c)
		}
	}
}
