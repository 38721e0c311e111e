package alert

import (
	"errors"
	"testing"
)

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	a := &Alert{
		ID:       "a-1",
		Title:    "Suspicious login",
		Severity: SeverityHigh,
		Indicators: []Indicator{
			{Type: "ip", Value: "203.0.113.7"},
			{Type: "domain", Value: "evil.example"},
		},
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		a     Alert
		field string
	}{
		{"missing id", Alert{Title: "t", Severity: SeverityLow}, "alert_id"},
		{"missing title", Alert{ID: "a", Severity: SeverityLow}, "title"},
		{"bad severity", Alert{ID: "a", Title: "t", Severity: "urgent"}, "severity"},
		{"bad indicator type", Alert{ID: "a", Title: "t", Severity: SeverityLow,
			Indicators: []Indicator{{Type: "asn", Value: "64500"}}}, "indicators"},
		{"empty indicator value", Alert{ID: "a", Title: "t", Severity: SeverityLow,
			Indicators: []Indicator{{Type: "ip", Value: ""}}}, "indicators"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.a.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Field != tc.field {
				t.Errorf("field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusNew, StatusAssigned, StatusInProgress, StatusResolved} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusClosed, StatusRejected} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
