package slog

import (
	"bytes"
	"encoding/json"
	stdslog "log/slog"
	"testing"

	"github.com/sensei777/Ethplorer"
)

func TestLoggerRespectsLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(stdslog.New(stdslog.NewJSONHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo})), "dispatch")

	l.Debug("dropped", ethplorer.Fields{"x": 1})
	if buf.Len() != 0 {
		t.Fatalf("debug written below level: %s", buf.String())
	}

	l.Info("request", ethplorer.Fields{"command": "getTxInfo", "status": 200})
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["component"] != "dispatch" || rec["command"] != "getTxInfo" || rec["status"] != float64(200) {
		t.Fatalf("unexpected record: %v", rec)
	}
}
