package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// testAppender attributes every line to the test that logged it, even when tests run in parallel.
type testAppender struct {
	tb testing.TB
}

// NewTestAppender returns an appender that writes through tb.Log.
func NewTestAppender(tb testing.TB) Appender {
	return testAppender{tb}
}

func (tapp testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	tapp.tb.Helper()
	line, err := formatLine(entry, fields)
	tapp.tb.Log(line)
	return err
}

func (tapp testAppender) Sync() error {
	return nil
}
