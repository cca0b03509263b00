package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPublishAndScrape(t *testing.T) {
	p := NewPublisher()
	p.Publish(Snapshot{
		AvgLatencyNs:   1_500_000,
		JitterNs:       200_000,
		LossRate:       0.01,
		LateDrop:       3,
		TargetBufferNs: 15_000_000,
		BufferedNs:     12_000_000,
		RMS:            0.2,
		Peak:           0.3,
		EncStatus:      1,
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"remotemic_jitter_ns 200000",
		"remotemic_loss_rate 0.01",
		"remotemic_enc_status 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape output missing %q:\n%s", want, body)
		}
	}
}
