package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestVerdictCounters(t *testing.T) {
	MessagesProcessed.Reset()
	AttachmentVerdicts.Reset()

	MessagesProcessed.WithLabelValues("modify").Inc()
	MessagesProcessed.WithLabelValues("modify").Inc()
	AttachmentVerdicts.WithLabelValues("remove").Inc()

	if got := testutil.ToFloat64(MessagesProcessed.WithLabelValues("modify")); got != 2 {
		t.Errorf("expected 2 modified messages, got %v", got)
	}
	if got := testutil.ToFloat64(AttachmentVerdicts.WithLabelValues("remove")); got != 1 {
		t.Errorf("expected 1 removed attachment, got %v", got)
	}
	if n := testutil.CollectAndCount(MessagesProcessed); n != 1 {
		t.Errorf("expected 1 series, got %d", n)
	}
}

func TestPolicyGenerationGauge(t *testing.T) {
	PolicyGeneration.Set(7)

	var m dto.Metric
	if err := PolicyGeneration.Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if m.GetGauge().GetValue() != 7 {
		t.Errorf("expected generation 7, got %v", m.GetGauge().GetValue())
	}
}

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	RelayQueueOperations.Reset()
	RelayQueueOperations.WithLabelValues("enqueue", "success").Add(3)

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	want := `eaf_relay_queue_operations_total{operation="enqueue",status="success"} 3`
	if !strings.Contains(string(body), want) {
		t.Errorf("expected %q in metrics output", want)
	}
}
