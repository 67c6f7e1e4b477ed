package zap

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/goforj/tiercache"
)

func TestZapLoggerForwardsLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := ZapLogger{L: zap.New(core)}

	logger.Debug("dbg", tiercache.Fields{"key": "a"})
	logger.Warn("warn", nil)
	logger.Error("err", tiercache.Fields{"n": 2})

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[0].Message != "dbg" {
		t.Fatalf("unexpected debug entry: %+v", entries[0])
	}
	if got := entries[0].ContextMap()["key"]; got != "a" {
		t.Fatalf("expected field forwarded, got %v", got)
	}
	if len(entries[1].Context) != 0 {
		t.Fatalf("expected empty fields to add no context: %+v", entries[1].Context)
	}
	if entries[2].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected error entry: %+v", entries[2])
	}
}
