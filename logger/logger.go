package logger

// Logger is the structured logging interface shared by the engine, the stores
// and the audit workers. Keyvals alternate key, value.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// With returns a Logger that prepends keyvals to every call
func With(l Logger, keyvals ...any) Logger {
	if len(keyvals) == 0 {
		return l
	}
	return &scoped{next: l, base: keyvals}
}

type scoped struct {
	next Logger
	base []any
}

func (s *scoped) join(keyvals []any) []any {
	out := make([]any, 0, len(s.base)+len(keyvals))
	out = append(out, s.base...)
	return append(out, keyvals...)
}

func (s *scoped) Debug(msg string, keyvals ...any) { s.next.Debug(msg, s.join(keyvals)...) }
func (s *scoped) Info(msg string, keyvals ...any)  { s.next.Info(msg, s.join(keyvals)...) }
func (s *scoped) Warn(msg string, keyvals ...any)  { s.next.Warn(msg, s.join(keyvals)...) }
func (s *scoped) Error(msg string, keyvals ...any) { s.next.Error(msg, s.join(keyvals)...) }

// TraceIDFunc generates a correlation id. It must be safe for concurrent calls.
type TraceIDFunc func() string
