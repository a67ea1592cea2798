package scoring

import (
	"errors"
	"fmt"
	"strings"

	"sentence-bias-eval/backend/internal/pipeline"
)

// Feature names fed to the prediction pipeline. They match the upstream
// Cook County dataset column names carried by the request payload.
const (
	FeaturePrimaryChargeFlag = "PRIMARY_CHARGE_FLAG"
	FeatureOffenseTitle      = "DISPOSITION_CHARGED_OFFENSE_TITLE"
	FeatureChargeCount       = "CHARGE_COUNT"
	FeatureChargedClass      = "DISPOSITION_CHARGED_CLASS"
	FeatureChargeDisposition = "CHARGE_DISPOSITION"
	FeatureSentenceJudge     = "SENTENCE_JUDGE"
	FeatureSentencePhase     = "SENTENCE_PHASE"
	FeatureCommitmentTerm    = "COMMITMENT_TERM"
	FeatureAgeAtIncident     = "AGE_AT_INCIDENT"
	FeatureRace              = "RACE"
	FeatureGender            = "GENDER"
	FeatureAgency            = "LAW_ENFORCEMENT_AGENCY"
)

const (
	// usLifeExpectancy anchors the natural-life term estimate in years.
	usLifeExpectancy = 78
	// maxCommitmentYears clips runaway commitment terms.
	maxCommitmentYears = 110
)

// ErrInvalidRecord marks cleaning failures caused by the record contents.
var ErrInvalidRecord = errors.New("invalid record")

// Record is a validated sentencing record before cleaning.
type Record struct {
	PrimaryChargeFlag    bool
	OffenseTitle         string
	ChargeCount          int
	ChargedClass         string
	ChargeDisposition    string
	SentenceJudge        string
	SentencePhase        string
	SentenceType         string
	CommitmentTerm       float64
	CommitmentUnit       string
	LengthOfCaseDays     float64
	AgeAtIncident        float64
	Race                 string
	Gender               string
	IncidentCity         string
	LawEnforcementAgency string
	LawEnforcementUnit   string
}

// Cleaned is a record normalized for the pipeline, plus the standardized
// race retained for the counterfactual swap.
type Cleaned struct {
	Input pipeline.Input
	Race  string
}

// standardRaces folds raw race strings into the categories the model was
// trained on. Biracial folds into Black (8 of 120k rows in the source data).
var standardRaces = map[string]string{
	"Black":                            "Black",
	"White":                            "White",
	"HISPANIC":                         "HISPANIC",
	"White [Hispanic or Latino]":       "HISPANIC",
	"White/Black [Hispanic or Latino]": "HISPANIC",
	"ASIAN":                            "Asian",
	"Asian":                            "Asian",
	"American Indian":                  "American Indian",
	"Biracial":                         "Black",
}

// yearsPerUnit converts commitment term units into year divisors.
var yearsPerUnit = map[string]float64{
	"Year(s)": 1,
	"Months":  12,
	"Days":    365,
}

const naturalLifeUnit = "Natural Life"

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: INVALID: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// InvalidReason extracts the human-readable reason from a cleaning error,
// matching the upstream message shape ("INVALID: ...").
func InvalidReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.Index(msg, "INVALID:"); idx >= 0 {
		return msg[idx:]
	}
	return msg
}

// Clean normalizes one record for prediction. Only prison sentences with a
// known race and a standard commitment term unit survive cleaning; anything
// else returns an error wrapping ErrInvalidRecord with the reason.
func Clean(rec Record) (Cleaned, error) {
	if rec.SentenceType != "Prison" {
		return Cleaned{}, invalidf("No Prison sentences found")
	}

	// Unknown is deliberately absent from standardRaces: outcomes cannot be
	// compared when race is not known.
	race, ok := standardRaces[rec.Race]
	if !ok {
		return Cleaned{}, invalidf("No valid race values found")
	}

	gender := rec.Gender
	if gender != "Male" && gender != "Female" {
		gender = "Unknown"
	}

	termYears, err := normalizeCommitmentTerm(rec.CommitmentTerm, rec.CommitmentUnit, rec.AgeAtIncident)
	if err != nil {
		return Cleaned{}, err
	}

	flag := "false"
	if rec.PrimaryChargeFlag {
		flag = "true"
	}

	input := pipeline.Input{
		Numeric: map[string]float64{
			FeatureChargeCount:    float64(rec.ChargeCount),
			FeatureCommitmentTerm: termYears,
			FeatureAgeAtIncident:  rec.AgeAtIncident,
		},
		Categorical: map[string]string{
			FeaturePrimaryChargeFlag: flag,
			FeatureOffenseTitle:      rec.OffenseTitle,
			FeatureChargedClass:      rec.ChargedClass,
			FeatureChargeDisposition: rec.ChargeDisposition,
			FeatureSentenceJudge:     rec.SentenceJudge,
			FeatureSentencePhase:     rec.SentencePhase,
			FeatureRace:              race,
			FeatureGender:            gender,
			FeatureAgency:            rec.LawEnforcementAgency,
		},
	}

	return Cleaned{Input: input, Race: race}, nil
}

// normalizeCommitmentTerm converts the raw term into years. Natural-life
// terms are estimated as US life expectancy minus age at incident; all terms
// are clipped at maxCommitmentYears.
func normalizeCommitmentTerm(term float64, unit string, ageAtIncident float64) (float64, error) {
	var years float64
	switch {
	case unit == naturalLifeUnit:
		years = usLifeExpectancy - ageAtIncident
	default:
		divisor, ok := yearsPerUnit[unit]
		if !ok {
			return 0, invalidf("No valid commitment term units found")
		}
		years = term / divisor
	}
	if years > maxCommitmentYears {
		years = maxCommitmentYears
	}
	return years, nil
}
