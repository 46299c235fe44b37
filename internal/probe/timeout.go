package probe

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Adaptive timeout curve for inference forwarding. Verification probes use
// the fixed per-step deadlines instead.
const (
	adaptiveBase = 180 * time.Second
	adaptiveMin  = 60 * time.Second
	adaptiveMax  = 30 * time.Minute
)

// ParseParamBillions converts a parameter-size label ("7B", "1.5B", "135M")
// to billions of parameters. Returns 0 when the label is absent or has no
// recognizable suffix.
func ParseParamBillions(label string) float64 {
	label = strings.TrimSpace(label)
	if len(label) < 2 {
		return 0
	}
	value, err := strconv.ParseFloat(label[:len(label)-1], 64)
	if err != nil || value <= 0 {
		return 0
	}
	switch label[len(label)-1] {
	case 'B', 'b':
		return value
	case 'M', 'm':
		return value / 1000
	}
	return 0
}

// AdaptiveTimeout sizes the deadline for forwarding one inference request:
// 180s scaled by model size, prompt length, and requested tokens, clamped
// to [60s, 30m]. An unparseable parameter size scales by 1.
func AdaptiveTimeout(parameterSize string, promptLen, maxTokens int) time.Duration {
	paramFactor := 1.0
	if billions := ParseParamBillions(parameterSize); billions > 0 {
		paramFactor = clampFloat(billions/7, 0.5, 4.0)
	}
	promptFactor := 1 + float64(promptLen)/1000
	tokenFactor := math.Max(1, float64(maxTokens)/1000)

	d := time.Duration(float64(adaptiveBase) * paramFactor * promptFactor * tokenFactor)
	if d < adaptiveMin {
		return adaptiveMin
	}
	if d > adaptiveMax {
		return adaptiveMax
	}
	return d
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
