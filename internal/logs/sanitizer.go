package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer masks credentials in log output. It holds the regex
// patterns plus the set of concrete values registered at runtime, such as the
// credentials resolved into a tool server's environment.
type SecretSanitizer struct {
	patterns []*secretPattern
	values   sync.Map
}

type secretPattern struct {
	regex    *regexp.Regexp
	maskFunc func(string) string
}

var (
	defaultSanitizer     *SecretSanitizer
	defaultSanitizerOnce sync.Once
)

// Sanitizer returns the process-wide sanitizer used by every logger built here.
func Sanitizer() *SecretSanitizer {
	defaultSanitizerOnce.Do(func() {
		defaultSanitizer = NewSecretSanitizer()
	})
	return defaultSanitizer
}

// NewSecretSanitizer creates a sanitizer with the built-in token patterns.
func NewSecretSanitizer() *SecretSanitizer {
	keep := func(prefix int) func(string) string {
		return func(token string) string {
			if len(token) <= prefix+2 {
				return "****"
			}
			return token[:prefix] + "***" + token[len(token)-2:]
		}
	}

	return &SecretSanitizer{
		patterns: []*secretPattern{
			{regex: regexp.MustCompile(`\b(gh[poushr]_[A-Za-z0-9]{36,255})\b`), maskFunc: keep(7)},
			{regex: regexp.MustCompile(`\b(sk-[A-Za-z0-9\-_]{20,})\b`), maskFunc: keep(5)},
			{regex: regexp.MustCompile(`\b(xox[abpr]-[A-Za-z0-9\-]{10,})\b`), maskFunc: keep(5)},
			{regex: regexp.MustCompile(`\b(ya29\.[A-Za-z0-9\-_]{20,})\b`), maskFunc: keep(5)},
			{regex: regexp.MustCompile(`\b(AKIA[0-9A-Z]{16})\b`), maskFunc: keep(8)},
			{
				regex: regexp.MustCompile(`\bBearer\s+[A-Za-z0-9\-\._~\+\/]+=*`),
				maskFunc: func(token string) string {
					_, value, _ := strings.Cut(token, " ")
					value = strings.TrimSpace(value)
					if len(value) <= 6 {
						return "Bearer ****"
					}
					return "Bearer " + value[:4] + "***" + value[len(value)-2:]
				},
			},
			{
				regex: regexp.MustCompile(`\b(eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+)\b`),
				maskFunc: func(jwt string) string {
					header, _, _ := strings.Cut(jwt, ".")
					return header + ".***"
				},
			},
		},
	}
}

// RegisterResolvedSecret adds a concrete value to mask. Values shorter than
// eight characters are ignored; masking them would garble ordinary text.
func (s *SecretSanitizer) RegisterResolvedSecret(value string) {
	if len(value) < 8 {
		return
	}
	s.values.Store(value, struct{}{})
}

// UnregisterResolvedSecret stops masking value.
func (s *SecretSanitizer) UnregisterResolvedSecret(value string) {
	s.values.Delete(value)
}

// Sanitize applies registered values first, then the patterns.
func (s *SecretSanitizer) Sanitize(str string) string {
	result := str
	s.values.Range(func(key, _ interface{}) bool {
		if v, ok := key.(string); ok {
			result = strings.ReplaceAll(result, v, maskValue(v))
		}
		return true
	})
	for _, p := range s.patterns {
		result = p.regex.ReplaceAllStringFunc(result, p.maskFunc)
	}
	return result
}

// Wrap returns a core that sanitizes every entry before delegating to core.
func (s *SecretSanitizer) Wrap(core zapcore.Core) zapcore.Core {
	return &sanitizingCore{Core: core, s: s}
}

type sanitizingCore struct {
	zapcore.Core
	s *SecretSanitizer
}

func (c *sanitizingCore) With(fields []zapcore.Field) zapcore.Core {
	return &sanitizingCore{Core: c.Core.With(c.sanitizeFields(fields)), s: c.s}
}

func (c *sanitizingCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *sanitizingCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = c.s.Sanitize(entry.Message)
	return c.Core.Write(entry, c.sanitizeFields(fields))
}

func (c *sanitizingCore) sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		switch field.Type {
		case zapcore.StringType:
			field.String = c.s.Sanitize(field.String)
		case zapcore.ErrorType:
			if err, ok := field.Interface.(error); ok && err != nil {
				field = zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: c.s.Sanitize(err.Error())}
			}
		case zapcore.StringerType:
			if str, ok := field.Interface.(interface{ String() string }); ok {
				field = zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: c.s.Sanitize(str.String())}
			}
		}
		out[i] = field
	}
	return out
}

// maskValue shows the first three and last two characters.
func maskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
