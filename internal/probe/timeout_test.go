package probe

import (
	"testing"
	"time"
)

func TestParseParamBillions(t *testing.T) {
	cases := []struct {
		label string
		want  float64
	}{
		{"8B", 8},
		{"1.5B", 1.5},
		{"135M", 0.135},
		{"70b", 70},
		{"", 0},
		{"8x7B", 0},
		{"7", 0},
		{"B", 0},
	}
	for _, tc := range cases {
		if got := ParseParamBillions(tc.label); got != tc.want {
			t.Errorf("ParseParamBillions(%q) = %f, want %f", tc.label, got, tc.want)
		}
	}
}

func TestAdaptiveTimeout(t *testing.T) {
	cases := []struct {
		name      string
		paramSize string
		promptLen int
		maxTokens int
		want      time.Duration
	}{
		{"seven billion baseline", "7B", 0, 0, 180 * time.Second},
		{"unknown size scales by one", "", 0, 0, 180 * time.Second},
		{"small model floors at half", "1.5B", 0, 0, 90 * time.Second},
		{"large model caps at four", "70B", 0, 0, 720 * time.Second},
		{"prompt length stretches", "7B", 1000, 0, 360 * time.Second},
		{"token budget stretches", "7B", 0, 4000, 720 * time.Second},
		{"clamped at upper bound", "70B", 2000, 4000, 30 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AdaptiveTimeout(tc.paramSize, tc.promptLen, tc.maxTokens); got != tc.want {
				t.Errorf("AdaptiveTimeout(%q, %d, %d) = %s, want %s",
					tc.paramSize, tc.promptLen, tc.maxTokens, got, tc.want)
			}
		})
	}
}
