package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MiscOtherLevel is the consolidation bucket for categories the training
// data folded together. Levels absent from a feature's vocabulary fall back
// to this bucket's weight.
const MiscOtherLevel = "misc_other"

// NumericFeature is a standardized numeric input with its regression weight.
type NumericFeature struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	Scale  float64 `json:"scale"`
	Weight float64 `json:"weight"`
}

// CategoricalFeature is a one-hot encoded input. Levels maps category value
// to regression weight.
type CategoricalFeature struct {
	Name   string             `json:"name"`
	Levels map[string]float64 `json:"levels"`
}

// Pipeline is a fitted linear regression over standardized numerics and
// one-hot categoricals, decoded from a model artifact.
type Pipeline struct {
	Intercept   float64              `json:"intercept"`
	Numeric     []NumericFeature     `json:"numeric"`
	Categorical []CategoricalFeature `json:"categorical"`
}

// Input holds one cleaned record keyed by feature name.
type Input struct {
	Numeric     map[string]float64
	Categorical map[string]string
}

// Clone returns a deep copy of the input.
func (in Input) Clone() Input {
	out := Input{
		Numeric:     make(map[string]float64, len(in.Numeric)),
		Categorical: make(map[string]string, len(in.Categorical)),
	}
	for k, v := range in.Numeric {
		out.Numeric[k] = v
	}
	for k, v := range in.Categorical {
		out.Categorical[k] = v
	}
	return out
}

// LoadPipeline decodes a pipeline from the artifact file at path.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal model artifact: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate ensures the decoded pipeline has usable coefficients.
func (p *Pipeline) Validate() error {
	if p == nil {
		return errors.New("pipeline is nil")
	}
	if len(p.Numeric) == 0 && len(p.Categorical) == 0 {
		return errors.New("pipeline has no features")
	}
	for _, f := range p.Numeric {
		if f.Name == "" {
			return errors.New("numeric feature missing name")
		}
		if f.Scale == 0 {
			return fmt.Errorf("numeric feature %s has zero scale", f.Name)
		}
	}
	for _, f := range p.Categorical {
		if f.Name == "" {
			return errors.New("categorical feature missing name")
		}
		if len(f.Levels) == 0 {
			return fmt.Errorf("categorical feature %s has no levels", f.Name)
		}
	}
	return nil
}

// Predict evaluates the regression for one record. Missing numerics fall
// back to the training mean; unseen categories fall back to the misc_other
// bucket. Pure function of its inputs.
func (p *Pipeline) Predict(in Input) float64 {
	sum := p.Intercept
	for _, f := range p.Numeric {
		value, ok := in.Numeric[f.Name]
		if !ok {
			value = f.Mean
		}
		sum += f.Weight * (value - f.Mean) / f.Scale
	}
	for _, f := range p.Categorical {
		level := in.Categorical[f.Name]
		weight, ok := f.Levels[level]
		if !ok {
			weight = f.Levels[MiscOtherLevel]
		}
		sum += weight
	}
	return sum
}

// FeatureCounts reports the number of numeric and categorical features.
func (p *Pipeline) FeatureCounts() (numeric, categorical int) {
	return len(p.Numeric), len(p.Categorical)
}
