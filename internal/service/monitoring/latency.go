package monitoring

import (
	"math"
	"sort"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

// EndpointSummary rolls up the metrics recorded for one method and endpoint.
type EndpointSummary struct {
	Endpoint string  `json:"endpoint"`
	Method   string  `json:"method"`
	Count    int     `json:"count"`
	Errors   int     `json:"errors"`
	AvgMS    float64 `json:"avg_ms"`
	MaxMS    int64   `json:"max_ms"`
	P50MS    float64 `json:"p50_ms"`
	P90MS    float64 `json:"p90_ms"`
	P95MS    float64 `json:"p95_ms"`
	P99MS    float64 `json:"p99_ms"`
}

type summaryKey struct {
	endpoint string
	method   string
}

type summaryBucket struct {
	errors    int
	sum       int64
	max       int64
	latencies []float64
}

// EndpointSummaries groups the metrics in rng by method and endpoint, busiest first.
func (r *Registry) EndpointSummaries(rng *domain.TimeRange) []EndpointSummary {
	buckets := make(map[summaryKey]*summaryBucket)
	for _, m := range r.PerformanceMetrics(rng) {
		key := summaryKey{endpoint: m.Endpoint, method: m.Method}
		b := buckets[key]
		if b == nil {
			b = &summaryBucket{}
			buckets[key] = b
		}
		if m.IsError() {
			b.errors++
		}
		b.sum += m.ResponseTimeMS
		if m.ResponseTimeMS > b.max {
			b.max = m.ResponseTimeMS
		}
		b.latencies = append(b.latencies, float64(m.ResponseTimeMS))
	}

	out := make([]EndpointSummary, 0, len(buckets))
	for key, b := range buckets {
		sort.Float64s(b.latencies)
		count := len(b.latencies)
		out = append(out, EndpointSummary{
			Endpoint: key.endpoint,
			Method:   key.method,
			Count:    count,
			Errors:   b.errors,
			AvgMS:    roundTo(float64(b.sum)/float64(count), 2),
			MaxMS:    b.max,
			P50MS:    roundTo(percentile(b.latencies, 0.50), 2),
			P90MS:    roundTo(percentile(b.latencies, 0.90), 2),
			P95MS:    roundTo(percentile(b.latencies, 0.95), 2),
			P99MS:    roundTo(percentile(b.latencies, 0.99), 2),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// percentile interpolates linearly between the closest ranks of sorted values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}
