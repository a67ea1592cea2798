package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Reference holds the test-set percentage discrepancies used to rank new
// observations. Values are stored as absolute magnitudes.
type Reference struct {
	values []float64
}

// LoadReference reads a plain JSON array of percentage discrepancies.
func LoadReference(path string) (*Reference, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read reference discrepancies: %w", err)
	}
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal reference discrepancies: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("reference discrepancies are empty")
	}
	values := make([]float64, len(raw))
	for i, v := range raw {
		values[i] = math.Abs(v)
	}
	return &Reference{values: values}, nil
}

// Size reports the number of reference observations.
func (r *Reference) Size() int {
	if r == nil {
		return 0
	}
	return len(r.values)
}

// Percentile returns the share (0-100) of reference discrepancies whose
// magnitude is strictly smaller than the observed percentage discrepancy.
// Only magnitudes are compared.
func (r *Reference) Percentile(percentDiscrepancy float64) float64 {
	if r == nil || len(r.values) == 0 {
		return 0
	}
	observed := math.Abs(percentDiscrepancy)
	smaller := 0
	for _, v := range r.values {
		if observed > v {
			smaller++
		}
	}
	return float64(smaller) / float64(len(r.values)) * 100
}

// Severity ranks a raw discrepancy against the reference distribution. The
// discrepancy is expressed as a share of the prediction before ranking,
// matching how the reference set was built.
func (r *Reference) Severity(est Estimate) float64 {
	return r.Percentile(est.Discrepancy / est.PredictedYears)
}
