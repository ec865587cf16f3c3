// Package parser cleans terminal output for text consumers. Recordings
// keep the raw byte stream; viewers get lines with escape sequences and
// control bytes removed.
package parser

import "regexp"

// Escape sequence families emitted by common terminal programs. Order
// matters: multi-byte sequences must go before the single-char catchall.
var ansiSequences = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`),       // CSI
	regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`),      // OSC
	regexp.MustCompile(`\x1bP.*?\x1b\\`),                // DCS
	regexp.MustCompile(`\x1b\^.*?\x1b\\`),               // PM
	regexp.MustCompile(`\x1b_.*?\x1b\\`),                // APC
	regexp.MustCompile(`\x1bk.*?\x1b\\`),                // old-style title
	regexp.MustCompile(`\x1b[()][0-9A-Za-z]`),           // charset selection
	regexp.MustCompile(`\x1b[=>]`),                      // keypad modes
	regexp.MustCompile(`\x1b.`),                         // lone escapes
}

// StripANSI removes escape sequences and non-printing control bytes,
// applying backspaces destructively.
func StripANSI(s string) string {
	for _, re := range ansiSequences {
		s = re.ReplaceAllString(s, "")
	}

	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '\r' {
			continue
		}
		if ch == '\b' {
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
			continue
		}
		if (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t' {
			continue
		}
		result = append(result, ch)
	}
	return string(result)
}
