// Package fingerprint derives stable identities for free-text failure
// messages. Dynamic fragments that vary run-to-run (line numbers,
// timestamps, ids, addresses, ports, temp paths) are replaced with fixed
// placeholders so that the same logical error always hashes to the same
// digest.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	// foo.ts:12:3 or foo.ts:12 — file references with line/column.
	fileLineRe = regexp.MustCompile(`([\w./-]+\.\w+):\d+(:\d+)?`)

	// ISO-8601 timestamps, with optional fractional seconds and zone.
	isoTimeRe = regexp.MustCompile(
		`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)

	// 13-digit epoch milliseconds.
	epochMillisRe = regexp.MustCompile(`\b\d{13}\b`)

	uuidRe = regexp.MustCompile(
		`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

	// Memory addresses such as 0x7f3a9c0012b0.
	memAddrRe = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)

	// Ephemeral ports in local URLs.
	localPortRe = regexp.MustCompile(`(localhost|127\.0\.0\.1|0\.0\.0\.0):\d+`)

	// Temp directory paths.
	tempPathRe = regexp.MustCompile(`(/tmp/|/var/folders/)[\w./-]+`)

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize strips run-varying substrings from an error message while
// preserving its logical shape. It is idempotent: applying it twice
// yields the same string. Empty input normalizes to "".
func Normalize(message string) string {
	if message == "" {
		return ""
	}

	n := message
	n = isoTimeRe.ReplaceAllString(n, "<TIMESTAMP>")
	n = epochMillisRe.ReplaceAllString(n, "<TIMESTAMP>")
	n = uuidRe.ReplaceAllString(n, "<UUID>")
	n = memAddrRe.ReplaceAllString(n, "<ADDR>")
	n = localPortRe.ReplaceAllString(n, "$1:<PORT>")
	n = tempPathRe.ReplaceAllString(n, "<TMPPATH>")
	n = fileLineRe.ReplaceAllString(n, "$1:<LINE>")
	n = whitespaceRe.ReplaceAllString(n, " ")

	return strings.TrimSpace(n)
}

// Fingerprint returns the sha256 hex digest of the normalized message,
// a stable 64-character identity independent of formatting noise.
// Callers must treat the digest of an empty message as "no signature",
// not a valid match key.
func Fingerprint(message string) string {
	sum := sha256.Sum256([]byte(Normalize(message)))

	return hex.EncodeToString(sum[:])
}
