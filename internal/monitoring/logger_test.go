package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerRedirect(t *testing.T) {
	defer SetLogger(nil)

	var captured string
	SetLogger(func(format string, v ...interface{}) {
		captured = fmt.Sprintf(format, v...)
	})

	Logf("run %s: tau=%0.3f", "00105", 0.25)
	if captured != "run 00105: tau=0.250" {
		t.Errorf("unexpected log output: %q", captured)
	}
}

func TestSetLoggerNilIsNoop(t *testing.T) {
	SetLogger(nil)
	// must not panic
	Logf("dropped %d", 1)
	SetLogger(nil)
}
