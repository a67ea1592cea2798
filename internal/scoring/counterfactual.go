package scoring

import (
	"math"

	"sentence-bias-eval/backend/internal/pipeline"
)

// counterfactualRaces swaps each standardized race to its comparison
// counterpart: White becomes Black, everything else becomes White.
var counterfactualRaces = map[string]string{
	"Black":           "White",
	"White":           "Black",
	"HISPANIC":        "White",
	"Asian":           "White",
	"American Indian": "White",
}

// CounterfactualRace returns the comparison race for a standardized race.
func CounterfactualRace(race string) string {
	if swapped, ok := counterfactualRaces[race]; ok {
		return swapped
	}
	return race
}

// Counterfactual returns a copy of the cleaned record with the race swapped.
func Counterfactual(cleaned Cleaned) Cleaned {
	swapped := CounterfactualRace(cleaned.Race)
	input := cleaned.Input.Clone()
	input.Categorical[FeatureRace] = swapped
	return Cleaned{Input: input, Race: swapped}
}

// Estimate is the discrepancy output for a single record.
type Estimate struct {
	// PredictedYears is the modeled prison term for the actual record.
	PredictedYears float64
	// Discrepancy is predicted years for the actual race minus predicted
	// years for the counterfactual race. Positive means the actual race
	// draws the harsher sentence.
	Discrepancy float64
}

// EstimateDiscrepancy predicts the record and its race-swapped counterfactual
// and returns the difference.
func EstimateDiscrepancy(p *pipeline.Pipeline, cleaned Cleaned) Estimate {
	pred := p.Predict(cleaned.Input)
	counter := p.Predict(Counterfactual(cleaned).Input)
	return Estimate{
		PredictedYears: pred,
		Discrepancy:    pred - counter,
	}
}

// Round3 rounds to three decimals, the precision the API reports.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
