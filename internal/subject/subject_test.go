package subject

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		subject string
		want    bool
	}{
		{"exact", "device.123.telemetry", "device.123.telemetry", true},
		{"single wildcard", "device.*.telemetry", "device.123.telemetry", true},
		{"single wildcard wrong token count", "device.*.telemetry", "device.123.456.telemetry", false},
		{"tail wildcard", "device.123.>", "device.123.telemetry.temp", true},
		{"tail wildcard needs one token", "device.123.>", "device.123", false},
		{"tail wildcard not at end is rejected", "device.>.foo", "device.123.foo", false},
		{"prefix mismatch", "device.123.telemetry", "device.456.telemetry", false},
		{"empty pattern", "", "device.123.telemetry", false},
		{"empty subject", "device.123.telemetry", "", false},
		{"shorter subject than pattern", "device.123.telemetry", "device.123", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(tc.pattern, tc.subject); got != tc.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
			}
		})
	}
}

func TestMatchesAny(t *testing.T) {
	patterns := []string{"device.*.telemetry", "device.*.commands"}
	if !MatchesAny(patterns, "device.123.commands") {
		t.Fatal("expected a match against the second pattern")
	}
	if MatchesAny(patterns, "device.123.status") {
		t.Fatal("expected no match for an unrelated subject")
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"simple", "device.123.telemetry", true},
		{"with wildcard pattern", "device.*.telemetry", true},
		{"tail wildcard at end", "device.123.>", true},
		{"tail wildcard not at end", "device.>.telemetry", false},
		{"empty", "", false},
		{"leading dot", ".device.123", false},
		{"trailing dot", "device.123.", false},
		{"double dot", "device..123", false},
		{"invalid char", "device.123!.telemetry", false},
		{"too long", string(make([]byte, maxLength+1)), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Valid(tc.in); got != tc.want {
				t.Errorf("Valid(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
