package probe

import "regexp"

// smallNamePattern matches model names that advertise a small footprint,
// e.g. "tinyllama" or "phi-3-mini". Used when the tag listing carries no
// byte sizes.
var smallNamePattern = regexp.MustCompile(`(?i)tiny|small|mini|1b|1\.5b|3b|7b|135m`)

// PickSmallestModel chooses the cheapest model to verify with: minimum
// reported size, else the first small-sounding name, else the first entry.
// The caller guarantees models is non-empty.
func PickSmallestModel(models []TagModel) TagModel {
	best := -1
	for i, m := range models {
		if m.Size <= 0 {
			continue
		}
		if best < 0 || m.Size < models[best].Size {
			best = i
		}
	}
	if best >= 0 {
		return models[best]
	}
	for _, m := range models {
		if smallNamePattern.MatchString(m.Name) {
			return m
		}
	}
	return models[0]
}

// Capability labels recorded on verified endpoints.
const (
	CapabilityChat            = "chat"
	CapabilityCompletion      = "completion"
	CapabilityEmbedding       = "embedding"
	CapabilityVision          = "vision"
	CapabilityAudio           = "audio"
	CapabilityFunctionCalling = "function_calling"
)

var capabilityHints = []struct {
	pattern    *regexp.Regexp
	capability string
}{
	{regexp.MustCompile(`(?i)embed`), CapabilityEmbedding},
	{regexp.MustCompile(`(?i)llava|vision|moondream|minicpm-v|bakllava`), CapabilityVision},
	{regexp.MustCompile(`(?i)whisper|audio|musicgen|bark`), CapabilityAudio},
	{regexp.MustCompile(`(?i)function|tool|firefunction|hermes`), CapabilityFunctionCalling},
}

// DetectCapabilities derives the capability set for a successful probe. Any
// endpoint that enumerates models serves chat and completion; the rest is
// inferred from model names. Order is fixed so stored JSON stays stable
// across re-verifications.
func DetectCapabilities(res *Result) []string {
	if res.Status != StatusSuccess {
		return nil
	}
	caps := []string{CapabilityChat, CapabilityCompletion}
	for _, hint := range capabilityHints {
		for _, m := range res.Models {
			if hint.pattern.MatchString(m.Name) {
				caps = append(caps, hint.capability)
				break
			}
		}
	}
	return caps
}
