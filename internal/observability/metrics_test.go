package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMCPRequest_LabelsByMethodAndStatus(t *testing.T) {
	m := NewSessionMetrics("test-session")

	before := testutil.ToFloat64(mcpRequests.WithLabelValues("tools/call", "ok"))
	m.RecordMCPRequest("tools/call", "ok")
	m.RecordMCPRequest("tools/call", "error")
	m.RecordMCPRequest("tools/call", "ok")

	after := testutil.ToFloat64(mcpRequests.WithLabelValues("tools/call", "ok"))
	if after-before != 2 {
		t.Errorf("Expected 2 ok requests recorded, got %.0f", after-before)
	}

	errCount := testutil.ToFloat64(mcpRequests.WithLabelValues("tools/call", "error"))
	if errCount < 1 {
		t.Errorf("Expected at least 1 error request recorded, got %.0f", errCount)
	}
}

func TestRecordMessage_CountsByType(t *testing.T) {
	m := NewSessionMetrics("test-session")

	before := testutil.ToFloat64(messagesDispatched.WithLabelValues("tts"))
	m.RecordMessage("tts")

	after := testutil.ToFloat64(messagesDispatched.WithLabelValues("tts"))
	if after-before != 1 {
		t.Errorf("Expected 1 tts message recorded, got %.0f", after-before)
	}
}

func TestUpdateCircuitBreakerState_SetsGauge(t *testing.T) {
	UpdateCircuitBreakerState("test-service", 2)

	if got := testutil.ToFloat64(circuitBreakerState.WithLabelValues("test-service")); got != 2 {
		t.Errorf("Expected gauge value 2, got %.0f", got)
	}
}
