package executor

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// maxOutputBytes bounds output fed back to the model or stored in run records.
const maxOutputBytes = 16 * 1024

// stderrExcerptBytes bounds the stderr tail carried by ExitError.
const stderrExcerptBytes = 4 * 1024

const truncatedMarker = "...[truncated]"

// captureLimit is how much of a stream's head is held while code runs. It is
// above maxOutputBytes so TruncateOutput still marks the cut.
const captureLimit = maxOutputBytes + 4*1024

// cappedBuffer captures a process stream with bounded memory: the first
// captureLimit bytes plus the last stderrExcerptBytes. Writes never fail, so a
// chatty program is not killed by a broken pipe.
type cappedBuffer struct {
	head    []byte
	tail    []byte
	dropped int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := captureLimit - len(b.head); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		b.head = append(b.head, p[:room]...)
		p = p[room:]
	}
	if len(p) == 0 {
		return n, nil
	}
	b.dropped += int64(len(p))
	if len(p) > stderrExcerptBytes {
		p = p[len(p)-stderrExcerptBytes:]
	}
	b.tail = append(b.tail, p...)
	if over := len(b.tail) - stderrExcerptBytes; over > 0 {
		b.tail = append(b.tail[:0], b.tail[over:]...)
	}
	return n, nil
}

func (b *cappedBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

func (b *cappedBuffer) WriteByte(c byte) error {
	_, err := b.Write([]byte{c})
	return err
}

func (b *cappedBuffer) String() string {
	if b.dropped == 0 {
		return string(b.head)
	}
	skipped := b.dropped - int64(len(b.tail))
	return fmt.Sprintf("%s\n...[%d bytes omitted]...\n%s", b.head, skipped, b.tail)
}

// TruncateOutput keeps the first 16KB of s, appending a marker if anything was cut.
func TruncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}

// TailOutput keeps the last n bytes of s. Tracebacks put the useful line last.
func TailOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return truncatedMarker + s[start:]
}

// Credential patterns scrubbed from execution output before it reaches the model or the UI.
var credentialPatterns = []*regexp.Regexp{
	// OpenAI
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	// Anthropic
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`),
	// Google API keys (Gemini)
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
	// GitHub tokens
	regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36}`),
	// AWS
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// Generic key=value patterns (case-insensitive)
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|bearer|authorization)\s*[:=]\s*["']?\S{8,}["']?`),
}

const redactedPlaceholder = "[REDACTED]"

// ScrubCredentials replaces known credential patterns in text with [REDACTED].
func ScrubCredentials(text string) string {
	for _, pat := range credentialPatterns {
		text = pat.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// Sanitize scrubs credentials and truncates; applied to anything leaving the sandbox.
func Sanitize(s string) string {
	return TruncateOutput(ScrubCredentials(s))
}
