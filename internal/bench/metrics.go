package bench

import (
	"math"
)

// Metrics aggregates the standard IR measures over a query set.
type Metrics struct {
	PrecisionAt5  float64 `json:"precision_at_5"`
	PrecisionAt10 float64 `json:"precision_at_10"`
	RecallAt10    float64 `json:"recall_at_10"`
	MRR           float64 `json:"mrr"`
	NDCGAt10      float64 `json:"ndcg_at_10"`
}

// PrecisionAtK is |retrieved_topk ∩ expected| / k.
func PrecisionAtK(retrieved []string, expected map[string]bool, k int) float64 {
	if k <= 0 {
		return 0
	}
	hits := 0
	for i, id := range retrieved {
		if i >= k {
			break
		}
		if expected[id] {
			hits++
		}
	}
	return float64(hits) / float64(k)
}

// RecallAtK is |retrieved_topk ∩ expected| / |expected|.
func RecallAtK(retrieved []string, expected map[string]bool, k int) float64 {
	if len(expected) == 0 {
		return 0
	}
	hits := 0
	for i, id := range retrieved {
		if i >= k {
			break
		}
		if expected[id] {
			hits++
		}
	}
	return float64(hits) / float64(len(expected))
}

// ReciprocalRank is 1 / rank of the first relevant result, zero when no
// relevant document is in the returned list.
func ReciprocalRank(retrieved []string, expected map[string]bool) float64 {
	for i, id := range retrieved {
		if expected[id] {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}

// NDCGAtK is the standard formulation with binary relevance and log2
// discount. The ideal DCG is computed over min(|expected|, k) relevant
// documents.
func NDCGAtK(retrieved []string, expected map[string]bool, k int) float64 {
	if len(expected) == 0 || k <= 0 {
		return 0
	}

	dcg := 0.0
	for i, id := range retrieved {
		if i >= k {
			break
		}
		if expected[id] {
			dcg += 1.0 / math.Log2(float64(i)+2)
		}
	}

	ideal := len(expected)
	if ideal > k {
		ideal = k
	}
	idcg := 0.0
	for i := 0; i < ideal; i++ {
		idcg += 1.0 / math.Log2(float64(i)+2)
	}

	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

// queryMetrics computes the per-query measures.
func queryMetrics(retrieved []string, expected map[string]bool) Metrics {
	return Metrics{
		PrecisionAt5:  PrecisionAtK(retrieved, expected, 5),
		PrecisionAt10: PrecisionAtK(retrieved, expected, 10),
		RecallAt10:    RecallAtK(retrieved, expected, 10),
		MRR:           ReciprocalRank(retrieved, expected),
		NDCGAt10:      NDCGAtK(retrieved, expected, 10),
	}
}

// meanMetrics averages per-query metrics; an empty input yields zeros.
func meanMetrics(all []Metrics) Metrics {
	if len(all) == 0 {
		return Metrics{}
	}
	var sum Metrics
	for _, m := range all {
		sum.PrecisionAt5 += m.PrecisionAt5
		sum.PrecisionAt10 += m.PrecisionAt10
		sum.RecallAt10 += m.RecallAt10
		sum.MRR += m.MRR
		sum.NDCGAt10 += m.NDCGAt10
	}
	n := float64(len(all))
	return Metrics{
		PrecisionAt5:  sum.PrecisionAt5 / n,
		PrecisionAt10: sum.PrecisionAt10 / n,
		RecallAt10:    sum.RecallAt10 / n,
		MRR:           sum.MRR / n,
		NDCGAt10:      sum.NDCGAt10 / n,
	}
}
