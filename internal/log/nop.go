package log

type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything. Used by tests and
// by components (e.g. the bootstrap server under a benchmark) that have no
// configured sink.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (l nopLogger) With(...interface{}) Logger { return l }
