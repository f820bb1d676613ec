package logger

type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}

// With returns a Logger that adds fields to every entry.
func With(l Logger, fields map[string]any) Logger {
	if l == nil {
		return NoopLogger{}
	}
	if z, ok := l.(*ZapLogger); ok {
		return &ZapLogger{log: z.log.With(toZapFields(fields)...)}
	}
	return &withLogger{next: l, fields: fields}
}

type withLogger struct {
	next   Logger
	fields map[string]any
}

func (w *withLogger) merge(fields map[string]any) map[string]any {
	out := make(map[string]any, len(w.fields)+len(fields))
	for k, v := range w.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (w *withLogger) Debug(msg string, f map[string]any) { w.next.Debug(msg, w.merge(f)) }
func (w *withLogger) Info(msg string, f map[string]any)  { w.next.Info(msg, w.merge(f)) }
func (w *withLogger) Warn(msg string, f map[string]any)  { w.next.Warn(msg, w.merge(f)) }
func (w *withLogger) Error(msg string, f map[string]any) { w.next.Error(msg, w.merge(f)) }
