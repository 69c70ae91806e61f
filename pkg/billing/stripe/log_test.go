package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

type logEntry struct {
	level string
	msg   string
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg})
}

func (l *recordingLogger) Debug(msg string, _ ...entitlement.Field) { l.add("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...entitlement.Field)  { l.add("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...entitlement.Field)  { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...entitlement.Field) { l.add("error", msg) }

func TestClient_LogsThroughConfiguredLogger(t *testing.T) {
	f := &fakeStripe{routes: make(map[string]fakeResponse)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	f.handle(http.MethodGet, "/v1/customers/cus_1", http.StatusUnauthorized,
		`{"error":{"type":"invalid_request_error","message":"Invalid API Key provided"}}`)

	logger := &recordingLogger{}
	client, err := NewClient(Config{
		Config:  billing.Config{APIKey: "sk_test_123", HTTPClient: srv.Client()},
		BaseURL: srv.URL,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.GetCustomer(context.Background(), "cus_1"); err == nil {
		t.Fatal("GetCustomer should fail")
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	var sawError bool
	for _, e := range logger.entries {
		if e.level == "info" {
			t.Errorf("request trace logged at info: %q", e.msg)
		}
		if e.level == "error" && strings.Contains(e.msg, "Invalid API Key provided") {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("stripe request error not logged, got %+v", logger.entries)
	}
}

func TestConfig_LoggerOrNoop(t *testing.T) {
	if _, ok := (Config{}).LoggerOrNoop().(*entitlement.NoopLogger); !ok {
		t.Error("nil Logger should default to NoopLogger")
	}
	l := &recordingLogger{}
	if (Config{Logger: l}).LoggerOrNoop() != l {
		t.Error("configured Logger not returned")
	}
}
