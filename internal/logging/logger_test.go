package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(newLogger(&buf, "verbose"), "ledger")

	logger.Debug("hidden")
	logger.Info("shown", "gold", 5)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "shown" || line["component"] != "ledger" {
		t.Fatalf("unexpected log line %v", line)
	}
}
