package ingest

import "regexp"

// Placeholder substituted for every matched secret span.
const RedactedPlaceholder = "[SECRET_REDACTED]"

// secretPatterns are the built-in detectors. Matching is pattern-based on
// purpose: entropy heuristics produce false positives on hashes and IDs that
// agents legitimately store.
var secretPatterns = []*regexp.Regexp{
	// API keys in the sk- family (OpenAI, Anthropic, Stripe and friends).
	// Short-lived test keys run as little as ten characters after the
	// prefix, so the floor sits there rather than at production lengths.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{10,}\b`),
	// Bearer tokens in Authorization headers or pasted curl commands.
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{12,}=*`),
	// AWS access key IDs.
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// GitHub tokens.
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	// password=..., password: "..." style assignments.
	regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|token)\s*[=:]\s*["']?[^\s"']{8,}["']?`),
	// PEM private key blocks.
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// ScanSecrets returns how many secret spans the detectors find in text.
func ScanSecrets(text string) int {
	n := 0
	for _, p := range secretPatterns {
		n += len(p.FindAllStringIndex(text, -1))
	}
	return n
}

// RedactSecrets replaces every matched span with the redaction placeholder
// and returns the rewritten text plus the number of replacements.
func RedactSecrets(text string) (string, int) {
	n := 0
	for _, p := range secretPatterns {
		text = p.ReplaceAllStringFunc(text, func(string) string {
			n++
			return RedactedPlaceholder
		})
	}
	return text, n
}
