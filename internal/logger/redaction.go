package logger

import (
	"io"
	"regexp"
	"sync"
)

const redactedMarker = "[REDACTED]"

// Redactor scrubs credentials from log output. Provider keys, bearer
// tokens and key=value secrets are covered by default.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

var defaultPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9_-]{20,}`,
	`AIza[0-9A-Za-z_-]{35}`,
	`Bearer\s+[a-zA-Z0-9._-]+`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)(api[_-]?key|password|secret|token)["\s:=]+[^\s",}]{6,}`,
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range defaultPatterns {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	return r
}

// AddPattern registers an extra pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
	return nil
}

// Redact replaces every match with a fixed marker.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redactedMarker)
	}
	return s
}

// Wrap returns a writer that redacts before forwarding to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{out: w, redactor: r}
}

type redactingWriter struct {
	out      io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.out.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
