// Package types provides domain models shared across trialmatch components.
//
// Wire-facing structs carry snake_case JSON tags matching the criteria and
// phenotype services. ID utilities in ids.go are the only code here that
// imports a third-party module.
package types

import "encoding/json"

// MatchID identifies one match run. UUIDv7, so IDs sort by creation time.
type MatchID string

// RequestID identifies one inbound HTTP request.
type RequestID string

// Observed-value markers written into the trace instead of a real value.
const (
	// ObservedNA marks a field that could not be resolved.
	ObservedNA = "NA"

	// ObservedError marks a value that failed numeric coercion.
	ObservedError = "ERROR"

	// ObservedMalformed marks a rule that can never be evaluated.
	ObservedMalformed = "MALFORMED"
)

// Limits applied at the service boundary.
const (
	// MaxPatientIDsPerRequest bounds the fan-out of a single match request.
	MaxPatientIDsPerRequest = 10000

	// MaxRequestBodySize bounds inbound JSON bodies.
	MaxRequestBodySize = 8 * 1024 * 1024
)

// Demographics is a flat map of demographic attributes (age, gender, race, ...).
type Demographics map[string]any

// Condition is one diagnosis entry on a patient record.
type Condition struct {
	Code        string `json:"code,omitempty"`
	CodeSystem  string `json:"code_system,omitempty"`
	Description string `json:"description,omitempty"`
	OnsetDate   string `json:"onset_date,omitempty"`
	Status      string `json:"status,omitempty"`
}

// LabResult is one laboratory observation. Value keeps whatever the lab
// reported: a float64, a string such as "pending" or "<5", or nil. Numeric
// comparison decides later whether it is usable.
type LabResult struct {
	Test           string `json:"test,omitempty"`
	Value          any    `json:"value,omitempty"`
	Unit           string `json:"unit,omitempty"`
	Date           string `json:"date,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Medication is one medication entry.
type Medication struct {
	Name        string `json:"name,omitempty"`
	GenericName string `json:"generic_name,omitempty"`
	Dosage      string `json:"dosage,omitempty"`
	Frequency   string `json:"frequency,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	Status      string `json:"status,omitempty"`
}

// DataCompleteness is the phenotype service's per-section completeness
// summary. Scores are in [0, 1].
type DataCompleteness struct {
	OverallScore      float64  `json:"overall_score"`
	DemographicsScore float64  `json:"demographics_score"`
	ConditionsScore   float64  `json:"conditions_score"`
	LabsScore         float64  `json:"labs_score"`
	MedicationsScore  float64  `json:"medications_score"`
	MissingFields     []string `json:"missing_fields,omitempty"`
}

// PatientRecord is the normalized clinical phenotype of one patient as
// returned by the phenotype service. Records held by the cache are shared
// between goroutines and must not be mutated after load.
type PatientRecord struct {
	PatientID          string            `json:"patient_id"`
	PhenotypeTimestamp string            `json:"phenotype_timestamp,omitempty"`
	Demographics       Demographics      `json:"demographics,omitempty"`
	Conditions         []Condition       `json:"conditions,omitempty"`
	LabResults         []LabResult       `json:"lab_results,omitempty"`
	Medications        []Medication      `json:"medications,omitempty"`
	PregnancyStatus    string            `json:"pregnancy_status,omitempty"`
	SmokingStatus      string            `json:"smoking_status,omitempty"`
	DataCompleteness   *DataCompleteness `json:"data_completeness,omitempty"`
}

// Flags returns the derived status flags of the record keyed by their wire name.
// Empty statuses are omitted.
func (p *PatientRecord) Flags() map[string]any {
	flags := make(map[string]any, 2)
	if p.PregnancyStatus != "" {
		flags["pregnancy_status"] = p.PregnancyStatus
	}
	if p.SmokingStatus != "" {
		flags["smoking_status"] = p.SmokingStatus
	}
	return flags
}

// RuleResult is the outcome of one active rule for one patient.
// ObservedValue is the resolved value or one of the Observed* markers.
type RuleResult struct {
	RuleID        string   `json:"rule_id"`
	Category      Category `json:"category"`
	Field         string   `json:"field"`
	Operator      string   `json:"operator"`
	ExpectedValue []any    `json:"expected_value"`
	ObservedValue any      `json:"observed_value"`
	IsInclusion   bool     `json:"is_inclusion"`
	Satisfied     bool     `json:"satisfied"`
	Description   string   `json:"description,omitempty"`
}

// ScoredMatch is the per-patient outcome for a non-excluded patient.
type ScoredMatch struct {
	PatientID       string       `json:"patient_id"`
	MatchPercentage float64      `json:"match_percentage"`
	MatchedWeight   float64      `json:"matched_weight"`
	TotalWeight     float64      `json:"total_weight"`
	PerRuleResults  []RuleResult `json:"per_rule_results"`
}

// DecodePatientRecord parses one phenotype payload.
func DecodePatientRecord(data []byte) (*PatientRecord, error) {
	var rec PatientRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
