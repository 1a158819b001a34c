package authflush

import "testing"

func TestAuthorization_String(t *testing.T) {
	tests := []struct {
		name string
		auth Authorization
		want string
	}{
		{"allow", Allow(), "1"},
		{"deny no reason", Deny(""), "0"},
		{"deny with reason", Deny("user.blocked"), "0:user.blocked"},
		{"deny over limits", DenyOverLimits(), "0:" + ReasonLimitsExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.auth.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthorization_DenyOverLimits_MatchesDenyWithSentinel(t *testing.T) {
	if DenyOverLimits().String() != Deny(ReasonLimitsExceeded).String() {
		t.Fatal("DenyOverLimits must serialize identically to Deny(ReasonLimitsExceeded)")
	}
}

func TestAuthorization_Authorized(t *testing.T) {
	if !Allow().Authorized() {
		t.Error("Allow() should be authorized")
	}
	if Deny("x").Authorized() {
		t.Error("Deny() should not be authorized")
	}
	if DenyOverLimits().Authorized() {
		t.Error("DenyOverLimits() should not be authorized")
	}
}

func TestParseAuthorization_RoundTrip(t *testing.T) {
	for _, auth := range []Authorization{Allow(), Deny(""), Deny("reason"), DenyOverLimits()} {
		s := auth.String()
		parsed, err := ParseAuthorization(s)
		if err != nil {
			t.Fatalf("ParseAuthorization(%q) error: %v", s, err)
		}
		if parsed.String() != s {
			t.Errorf("round trip mismatch: %q -> %q", s, parsed.String())
		}
	}
}

func TestParseAuthorization_Invalid(t *testing.T) {
	if _, err := ParseAuthorization("garbage"); err == nil {
		t.Fatal("expected error for invalid serialized authorization")
	}
}
