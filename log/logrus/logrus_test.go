package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/sensei777/Ethplorer"
)

func TestLoggerUsesErrorKey(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := New(base, "dispatch")

	l.Error("execute failed", ethplorer.Fields{"command": "getTopTokens", "err": errors.New("boom")})

	e := hook.LastEntry()
	if e == nil {
		t.Fatal("no entry logged")
	}
	if e.Level != logrus.ErrorLevel {
		t.Fatalf("level=%v", e.Level)
	}
	if e.Data["component"] != "dispatch" || e.Data["command"] != "getTopTokens" {
		t.Fatalf("unexpected data: %v", e.Data)
	}
	if err, _ := e.Data[logrus.ErrorKey].(error); err == nil || err.Error() != "boom" {
		t.Fatalf("error not under %q: %v", logrus.ErrorKey, e.Data)
	}
}
