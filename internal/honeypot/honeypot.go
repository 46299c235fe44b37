// Package honeypot decides whether a probed endpoint is a real model
// server, a deception service, or simply broken. Classification is a pure
// function over a probe result; it never touches the catalog.
package honeypot

import (
	"errors"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tt1a44a/modelnet/internal/probe"
)

// Decision is the classifier outcome.
type Decision int

const (
	DecisionValid Decision = iota
	DecisionInvalid
	DecisionHoneypot
)

func (d Decision) String() string {
	switch d {
	case DecisionValid:
		return "valid"
	case DecisionInvalid:
		return "invalid"
	case DecisionHoneypot:
		return "honeypot"
	default:
		return "unknown"
	}
}

// Verdict pairs a decision with its reason. Reason is empty for Valid.
type Verdict struct {
	Decision Decision
	Reason   string
}

const (
	// fakeOllamaReason matches the signature of mass-deployed fake Ollama
	// honeypots advertising DeepSeek/R1 catalogs.
	fakeOllamaReason   = "fake-ollama signature (DeepSeek/R1 model set)"
	tokenRateReason    = "implausible token rate"
	uniformSizeReason  = "uniform model sizes"
	systemPromptReason = "ignores system prompt"
)

// maxTokenRate is the generation speed above which a response cannot have
// come from a real inference run.
const maxTokenRate = 1000.0

// maxSystemPromptWords bounds the reply to the short-answer system prompt.
const maxSystemPromptWords = 25

// fakeModelPattern flags model names typical of canned honeypot catalogs.
var fakeModelPattern = regexp.MustCompile(`(?i)deepseek|r1`)

// englishTokenPattern is the letter-run shape of an English-looking token.
var englishTokenPattern = regexp.MustCompile(`[A-Za-z]{2,}`)

// stopWords are matched as case-insensitive substrings. Keyboard-mash
// responses contain none of them; almost any real English sentence does.
var stopWords = []string{"the", "a", "and", "is", "to", "in", "it", "you", "that", "of"}

// Signature rules, evaluated in order after response plausibility. Each
// returns fired/reason, or an error meaning "no evidence".
var signatureRules = []struct {
	name string
	fn   func(*probe.Result) (bool, string, error)
}{
	{"model_set_signature", modelSetSignature},
	{"timing_plausibility", timingPlausibility},
	{"size_uniformity", sizeUniformity},
	{"system_prompt_adherence", systemPromptAdherence},
}

// Classify turns a probe result into a verdict. Failed probes are Invalid
// with the probe's reason; auth handling stays with the caller. A rule
// error weakens to "no evidence" and never promotes to Honeypot.
func Classify(res *probe.Result) Verdict {
	if res.Status != probe.StatusSuccess {
		reason := res.Reason
		if reason == "" {
			reason = "Probe failed"
		}
		return Verdict{Decision: DecisionInvalid, Reason: reason}
	}

	plausible, implausibleReason := responsePlausibility(res)

	for _, rule := range signatureRules {
		fired, reason, err := rule.fn(res)
		if err != nil {
			log.Debug().Str("rule", rule.name).Str("target", res.Target()).Err(err).
				Msg("Honeypot rule produced no evidence")
			continue
		}
		if fired {
			return Verdict{Decision: DecisionHoneypot, Reason: reason}
		}
	}

	if !plausible {
		return Verdict{Decision: DecisionInvalid, Reason: implausibleReason}
	}
	return Verdict{Decision: DecisionValid}
}

// responsePlausibility checks that the greeting response reads like
// English: at least half the tokens are vowel-bearing letter runs, and
// anything beyond a few words contains at least one common English word.
// Endpoints that never generated (localai listings) pass vacuously.
func responsePlausibility(res *probe.Result) (bool, string) {
	if res.APIType == probe.APILocalAI {
		return true, ""
	}
	text := strings.TrimSpace(res.GenerateText)
	if text == "" {
		return false, "Empty response"
	}

	tokens := strings.Fields(text)
	hits := 0
	for _, tok := range tokens {
		if englishTokenPattern.MatchString(tok) && strings.ContainsAny(strings.ToLower(tok), "aeiou") {
			hits++
		}
	}
	if hits*2 < len(tokens) {
		return false, "Nonsensical response"
	}

	if len(text) > 20 && !containsStopWord(text) {
		return false, "Nonsensical response (no common English words)"
	}
	return true, ""
}

func containsStopWord(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range stopWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// modelSetSignature fires when at least 80% of advertised models carry a
// DeepSeek/R1 name.
func modelSetSignature(res *probe.Result) (bool, string, error) {
	if len(res.Models) == 0 {
		return false, "", nil
	}
	matches := 0
	for _, m := range res.Models {
		if fakeModelPattern.MatchString(m.Name) {
			matches++
		}
	}
	if matches*5 >= len(res.Models)*4 {
		return true, fakeOllamaReason, nil
	}
	return false, "", nil
}

// timingPlausibility fires when the reported generation speed exceeds what
// real hardware produces.
func timingPlausibility(res *probe.Result) (bool, string, error) {
	if res.Metrics.EvalCount <= 0 {
		return false, "", nil
	}
	if res.Metrics.EvalDurationNS <= 0 {
		return false, "", errors.New("eval_duration missing or zero")
	}
	tps := float64(res.Metrics.EvalCount) / (float64(res.Metrics.EvalDurationNS) / 1e9)
	if tps > maxTokenRate {
		return true, tokenRateReason, nil
	}
	return false, "", nil
}

// sizeUniformity fires when more than three models all report the same
// byte size. Listings without sizes carry no evidence.
func sizeUniformity(res *probe.Result) (bool, string, error) {
	if len(res.Models) <= 3 {
		return false, "", nil
	}
	first := res.Models[0].Size
	if first <= 0 {
		return false, "", nil
	}
	for _, m := range res.Models[1:] {
		if m.Size != first {
			return false, "", nil
		}
	}
	return true, uniformSizeReason, nil
}

// systemPromptAdherence fires when the short-answer system prompt was
// answered with a long reply.
func systemPromptAdherence(res *probe.Result) (bool, string, error) {
	text := strings.TrimSpace(res.SystemPromptText)
	if text == "" {
		return false, "", nil
	}
	if len(strings.Fields(text)) > maxSystemPromptWords {
		return true, systemPromptReason, nil
	}
	return false, "", nil
}
