package descramble

import (
	"testing"

	"github.com/ausocean/utils/logging"
)

// testLogger adapts a testing.T to the logging.Logger interface so Engine
// output lands in the test log.
type testLogger testing.T

func (t *testLogger) Debug(msg string, args ...interface{})   { t.Log(logging.Debug, msg, args...) }
func (t *testLogger) Info(msg string, args ...interface{})    { t.Log(logging.Info, msg, args...) }
func (t *testLogger) Warning(msg string, args ...interface{}) { t.Log(logging.Warning, msg, args...) }
func (t *testLogger) Error(msg string, args ...interface{})   { t.Log(logging.Error, msg, args...) }
func (t *testLogger) Fatal(msg string, args ...interface{})   { t.Log(logging.Fatal, msg, args...) }
func (t *testLogger) SetLevel(lvl int8)                       {}

func (t *testLogger) Log(lvl int8, msg string, args ...interface{}) {
	var l string
	switch lvl {
	case logging.Debug:
		l = "debug"
	case logging.Info:
		l = "info"
	case logging.Warning:
		l = "warning"
	case logging.Error:
		l = "error"
	case logging.Fatal:
		l = "fatal"
	}
	msg = l + ": " + msg

	if len(args) == 0 {
		((*testing.T)(t)).Log(msg)
		return
	}

	// Render the key/value pairs after the message.
	msg += " ("
	for i := 0; i < len(args); i += 2 {
		msg += " %v:\"%v\""
	}
	msg += " )"

	if lvl == logging.Fatal {
		t.Fatalf(msg+"\n", args...)
	}

	t.Logf(msg+"\n", args...)
}
