package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsExposeRecordedValues(t *testing.T) {
	m := New()
	m.RecordStart("snap1", 1000)
	m.RecordEnd(1005, nil)
	m.SetLocalSnapshotCount(3)
	m.AddTransferBytes("zstd", 4096)
	m.SetActiveTransfers(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"snapcluster_last_snapshot_start_time_seconds 1000",
		"snapcluster_last_snapshot_end_time_seconds 1005",
		`snapcluster_last_snapshot_info{name="snap1"} 1`,
		"snapcluster_local_snapshot_count 3",
		`snapcluster_transfer_bytes_total{codec="zstd"} 4096`,
		"snapcluster_active_remote_transfers 1",
		`snapcluster_snapshots_total{outcome="succeeded"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\nfull output:\n%s", want, body)
		}
	}
}

func TestMetricsRecordEndWithErrorIncrementsFailureCounters(t *testing.T) {
	m := New()
	m.RecordEnd(1, assertErr{})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "snapcluster_snapshot_errors_total 1") {
		t.Errorf("expected snapshot_errors_total to be 1, got:\n%s", body)
	}
	if !strings.Contains(body, `snapcluster_snapshots_total{outcome="failed"} 1`) {
		t.Errorf("expected snapshots_total{outcome=failed} to be 1, got:\n%s", body)
	}
	if !strings.Contains(body, `snapcluster_last_snapshot_error_info{message="boom"} 1`) {
		t.Errorf("expected last_snapshot_error_info{message=boom} to be 1, got:\n%s", body)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
