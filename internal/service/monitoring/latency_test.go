package monitoring

import (
	"testing"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

func TestEndpointSummariesPercentiles(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, ms := range []int64{50, 10, 40, 20, 30} {
		reg.RecordPerformanceMetric(domain.PerformanceMetric{Endpoint: "/api/v1/qr", Method: "GET", StatusCode: 200, ResponseTimeMS: ms})
	}
	reg.RecordPerformanceMetric(domain.PerformanceMetric{Endpoint: "/api/v1/qr", Method: "POST", StatusCode: 500, ResponseTimeMS: 90})

	summaries := reg.EndpointSummaries(nil)
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	get := summaries[0]
	if get.Method != "GET" || get.Count != 5 || get.Errors != 0 {
		t.Fatalf("unexpected busiest summary %+v", get)
	}
	if get.AvgMS != 30 || get.MaxMS != 50 || get.P50MS != 30 || get.P90MS != 46 || get.P95MS != 48 || get.P99MS != 49.6 {
		t.Fatalf("unexpected latency figures %+v", get)
	}
	post := summaries[1]
	if post.Method != "POST" || post.Errors != 1 || post.P99MS != 90 {
		t.Fatalf("unexpected single-sample summary %+v", post)
	}
}

func TestEndpointSummariesEmpty(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if got := reg.EndpointSummaries(nil); len(got) != 0 {
		t.Fatalf("expected no summaries, got %+v", got)
	}
}

func TestPercentileBounds(t *testing.T) {
	values := []float64{1, 2, 3}
	if percentile(values, 0) != 1 || percentile(values, 1) != 3 || percentile(nil, 0.5) != 0 {
		t.Fatal("unexpected percentile bounds")
	}
}
