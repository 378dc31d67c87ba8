package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sensei777/Ethplorer"
)

func TestLoggerKeepsComponentAndErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := New(zap.New(core), "aggregate")

	l.Warn("ledger query failed", ethplorer.Fields{"subject": "0xabc", "err": errors.New("timeout")})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["component"] != "aggregate" || ctx["subject"] != "0xabc" || ctx["err"] != "timeout" {
		t.Fatalf("unexpected context: %v", ctx)
	}
}
