package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/vox/internal/otel"
)

func sseServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			io.WriteString(w, "data: "+c+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_StreamDeliversTokens(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"content":"Hello "}}]}`,
		`{"choices":[{"delta":{"content":"there"}}]}`,
	)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := otel.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	c := New(Config{APIKey: "test", BaseURL: srv.URL, Metrics: metrics})

	var tokens []string
	full, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if full != "Hello there" {
		t.Fatalf("full text = %q, want %q", full, "Hello there")
	}
	if strings.Join(tokens, "") != "Hello there" {
		t.Fatalf("tokens = %v", tokens)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var streamed int64
	var durations int
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "vox.stream.tokens":
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						streamed += dp.Value
					}
				}
			case "vox.llm.duration":
				if h, ok := m.Data.(metricdata.Histogram[float64]); ok {
					durations = len(h.DataPoints)
				}
			}
		}
	}
	if streamed != 2 {
		t.Fatalf("streamed tokens recorded = %d, want 2", streamed)
	}
	if durations == 0 {
		t.Fatal("call duration not recorded")
	}
}

func TestClient_StreamToolsAggregatesDeltas(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup_caller","arguments":"{\"ph"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"one\":\"+15550001111\"}"}}]}}]}`,
	)
	c := New(Config{APIKey: "test", BaseURL: srv.URL})

	_, calls, err := c.StreamTools(context.Background(), []Message{{Role: "user", Content: "who?"}}, nil, nil)
	if err != nil {
		t.Fatalf("StreamTools: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "lookup_caller" {
		t.Fatalf("call = %+v", calls[0])
	}
	if calls[0].Arguments != `{"phone":"+15550001111"}` {
		t.Fatalf("arguments = %q", calls[0].Arguments)
	}
}
