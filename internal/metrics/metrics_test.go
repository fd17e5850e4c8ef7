package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIngest("ingested")
	c.RecordIngest("ingested")
	c.RecordIngest("duplicate")
	c.RecordJobResult("completed")
	c.RecordJobResult("failed")
	c.RecordStepFailure("metadata")
	c.RecordWake()
	c.RecordWake()
	c.RecordWake()

	if got := testutil.ToFloat64(c.ingestTotal.WithLabelValues("ingested")); got != 2 {
		t.Errorf("linkman_ingest_total{result=ingested} = %v, 期待値 2", got)
	}
	if got := testutil.ToFloat64(c.ingestTotal.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("linkman_ingest_total{result=duplicate} = %v, 期待値 1", got)
	}
	if got := testutil.ToFloat64(c.jobsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("linkman_jobs_total{result=completed} = %v, 期待値 1", got)
	}
	if got := testutil.ToFloat64(c.jobsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("linkman_jobs_total{result=failed} = %v, 期待値 1", got)
	}
	if got := testutil.ToFloat64(c.stepFailures.WithLabelValues("metadata")); got != 1 {
		t.Errorf("linkman_step_failures_total{step=metadata} = %v, 期待値 1", got)
	}
	if got := testutil.ToFloat64(c.wakesTotal); got != 3 {
		t.Errorf("linkman_wakes_total = %v, 期待値 3", got)
	}
}

func TestCollector_JobLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordJobLatency(150 * time.Millisecond)
	c.RecordJobLatency(2 * time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather がエラーを返しました: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "linkman_job_latency_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		if h.GetSampleCount() != 2 {
			t.Errorf("サンプル数 = %d, 期待値 2", h.GetSampleCount())
		}
		want := 2.15
		if got := h.GetSampleSum(); got < want-0.001 || got > want+0.001 {
			t.Errorf("サンプル合計 = %v, 期待値 %v", got, want)
		}
		return
	}
	t.Fatal("linkman_job_latency_seconds が登録されていません")
}

func TestSetupMetricsRoute_ServesScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordIngest("rejected")
	c.RecordWake()

	srv := httptest.NewServer(SetupMetricsRoute(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("スクレイプに失敗しました: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ステータスコード = %d, 期待値 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("レスポンスの読み取りに失敗しました: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		`linkman_ingest_total{result="rejected"} 1`,
		"linkman_wakes_total 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("スクレイプ結果に %q が含まれていません", want)
		}
	}
}

func TestSetupMetricsRoute_OtherPathNotFound(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	srv := httptest.NewServer(SetupMetricsRoute(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/other")
	if err != nil {
		t.Fatalf("リクエストに失敗しました: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ステータスコード = %d, 期待値 404", resp.StatusCode)
	}
}
