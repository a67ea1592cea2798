package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sentence-bias-eval/backend/internal/scoring"
	"sentence-bias-eval/backend/internal/store"
)

// PredictResponse is the contract payload for a successful prediction.
type PredictResponse struct {
	ModelName             string  `json:"model_name"`
	SentencingDiscrepancy float64 `json:"sentencing_discrepancy"`
	Severity              float64 `json:"severity"`
}

// PredictionDTO is the API representation for a persisted prediction.
type PredictionDTO struct {
	ID                    uint      `json:"id"`
	RequestID             string    `json:"request_id"`
	ModelName             string    `json:"model_name"`
	Race                  string    `json:"race"`
	CounterfactualRace    string    `json:"counterfactual_race"`
	Gender                string    `json:"gender"`
	PredictedYears        float64   `json:"predicted_years"`
	SentencingDiscrepancy float64   `json:"sentencing_discrepancy"`
	Severity              float64   `json:"severity"`
	ProcessingTimeMs      int64     `json:"processing_time_ms"`
	CreatedAt             time.Time `json:"created_at"`
}

// PredictionsResponse is the paginated response for prediction history.
type PredictionsResponse struct {
	Items []PredictionDTO `json:"items"`
	Total int64           `json:"total"`
}

// ExportPredictionDTO augments the history DTO with the original request
// payload for full-fidelity JSON exports.
type ExportPredictionDTO struct {
	PredictionDTO
	Payload map[string]any `json:"payload,omitempty"`
}

// PredictStatusResponse reports the most recent prediction activity.
type PredictStatusResponse struct {
	StoredPredictions int64            `json:"stored_predictions"`
	LastPrediction    *PredictionEvent `json:"last_prediction,omitempty"`
}

// ModelInfoResponse describes the loaded artifact.
type ModelInfoResponse struct {
	ModelName           string    `json:"model_name"`
	MAE                 float64   `json:"mae"`
	TrainedAt           time.Time `json:"trained_at"`
	NumericFeatures     int       `json:"numeric_features"`
	CategoricalFeatures int       `json:"categorical_features"`
	ReferenceSamples    int       `json:"reference_samples"`
}

// FromModel converts a store.Prediction into the DTO representation.
func FromModel(p store.Prediction) PredictionDTO {
	return PredictionDTO{
		ID:                    p.ID,
		RequestID:             p.RequestID,
		ModelName:             p.ModelName,
		Race:                  p.Race,
		CounterfactualRace:    p.CounterfactualRace,
		Gender:                p.Gender,
		PredictedYears:        scoring.Round3(p.PredictedYears),
		SentencingDiscrepancy: scoring.Round3(p.Discrepancy),
		Severity:              scoring.Round3(p.Severity),
		ProcessingTimeMs:      p.ProcessingTimeMs,
		CreatedAt:             p.CreatedAt,
	}
}

// flexNumber accepts a JSON number or a numeric string, matching the
// upstream schema for COMMITMENT_TERM.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return errors.New("numeric string is empty")
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as a number", raw)
		}
		*n = flexNumber(value)
		return nil
	}
	var value float64
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*n = flexNumber(value)
	return nil
}

// predictPayload mirrors the external contract field for field. Pointers
// distinguish absent keys from zero values.
type predictPayload struct {
	PrimaryChargeFlag    *bool       `json:"PRIMARY_CHARGE_FLAG"`
	OffenseTitle         *string     `json:"DISPOSITION_CHARGED_OFFENSE_TITLE"`
	ChargeCount          *int        `json:"CHARGE_COUNT"`
	ChargedClass         *string     `json:"DISPOSITION_CHARGED_CLASS"`
	ChargeDisposition    *string     `json:"CHARGE_DISPOSITION"`
	SentenceJudge        *string     `json:"SENTENCE_JUDGE"`
	SentencePhase        *string     `json:"SENTENCE_PHASE"`
	SentenceType         *string     `json:"SENTENCE_TYPE"`
	CommitmentTerm       *flexNumber `json:"COMMITMENT_TERM"`
	CommitmentUnit       *string     `json:"COMMITMENT_UNIT"`
	LengthOfCaseDays     *float64    `json:"LENGTH_OF_CASE_in_Days"`
	AgeAtIncident        *float64    `json:"AGE_AT_INCIDENT"`
	Race                 *string     `json:"RACE"`
	Gender               *string     `json:"GENDER"`
	IncidentCity         *string     `json:"INCIDENT_CITY"`
	LawEnforcementAgency *string     `json:"LAW_ENFORCEMENT_AGENCY"`
	LawEnforcementUnit   *string     `json:"LAW_ENFORCEMENT_UNIT"`
}

// requiredKeys are the payload keys the contract demands. INCIDENT_CITY and
// LAW_ENFORCEMENT_UNIT must be present but may be null.
var requiredKeys = []string{
	"PRIMARY_CHARGE_FLAG",
	"DISPOSITION_CHARGED_OFFENSE_TITLE",
	"CHARGE_COUNT",
	"DISPOSITION_CHARGED_CLASS",
	"CHARGE_DISPOSITION",
	"SENTENCE_JUDGE",
	"SENTENCE_PHASE",
	"SENTENCE_TYPE",
	"COMMITMENT_TERM",
	"COMMITMENT_UNIT",
	"LENGTH_OF_CASE_in_Days",
	"AGE_AT_INCIDENT",
	"RACE",
	"GENDER",
	"INCIDENT_CITY",
	"LAW_ENFORCEMENT_AGENCY",
	"LAW_ENFORCEMENT_UNIT",
}

// nullableKeys may carry JSON null.
var nullableKeys = map[string]struct{}{
	"INCIDENT_CITY":        {},
	"LAW_ENFORCEMENT_UNIT": {},
}

// ParsePredictRequest validates the raw body against the predict contract
// and converts it into a scoring record. Every returned error is safe to
// surface verbatim in the 404 message field.
func ParsePredictRequest(body []byte) (scoring.Record, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return scoring.Record{}, fmt.Errorf("malformed JSON payload: %v", err)
	}
	for _, key := range requiredKeys {
		raw, ok := keys[key]
		if !ok {
			return scoring.Record{}, fmt.Errorf("missing key: %s", key)
		}
		if string(raw) == "null" {
			if _, nullable := nullableKeys[key]; !nullable {
				return scoring.Record{}, fmt.Errorf("key %s must not be null", key)
			}
		}
	}

	var payload predictPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return scoring.Record{}, fmt.Errorf("key %s has the wrong type (%s given)", typeErr.Field, typeErr.Value)
		}
		return scoring.Record{}, fmt.Errorf("invalid payload: %v", err)
	}

	requiredStrings := []struct {
		key   string
		value *string
	}{
		{"DISPOSITION_CHARGED_OFFENSE_TITLE", payload.OffenseTitle},
		{"DISPOSITION_CHARGED_CLASS", payload.ChargedClass},
		{"CHARGE_DISPOSITION", payload.ChargeDisposition},
		{"SENTENCE_JUDGE", payload.SentenceJudge},
		{"SENTENCE_PHASE", payload.SentencePhase},
		{"SENTENCE_TYPE", payload.SentenceType},
		{"COMMITMENT_UNIT", payload.CommitmentUnit},
		{"RACE", payload.Race},
		{"GENDER", payload.Gender},
		{"LAW_ENFORCEMENT_AGENCY", payload.LawEnforcementAgency},
	}
	for _, field := range requiredStrings {
		if field.value == nil || strings.TrimSpace(*field.value) == "" {
			return scoring.Record{}, fmt.Errorf("key %s must be a non-empty string", field.key)
		}
	}

	record := scoring.Record{
		PrimaryChargeFlag:    *payload.PrimaryChargeFlag,
		OffenseTitle:         *payload.OffenseTitle,
		ChargeCount:          *payload.ChargeCount,
		ChargedClass:         *payload.ChargedClass,
		ChargeDisposition:    *payload.ChargeDisposition,
		SentenceJudge:        *payload.SentenceJudge,
		SentencePhase:        *payload.SentencePhase,
		SentenceType:         *payload.SentenceType,
		CommitmentTerm:       float64(*payload.CommitmentTerm),
		CommitmentUnit:       *payload.CommitmentUnit,
		LengthOfCaseDays:     *payload.LengthOfCaseDays,
		AgeAtIncident:        *payload.AgeAtIncident,
		Race:                 *payload.Race,
		Gender:               *payload.Gender,
		LawEnforcementAgency: *payload.LawEnforcementAgency,
	}
	if payload.IncidentCity != nil {
		record.IncidentCity = *payload.IncidentCity
	}
	if payload.LawEnforcementUnit != nil {
		record.LawEnforcementUnit = *payload.LawEnforcementUnit
	}
	return record, nil
}
