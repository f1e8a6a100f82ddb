package domain

// Observation is a validated view of one provider status report, entering the
// reconciliation protocol from either the polling path or the webhook path.
// Payload fields are only meaningful for the matching status: ResultURL on
// succeeded, FailureReason/FailureCode on failed.
type Observation struct {
	Status        GenerationStatus
	ResultURL     string
	FailureReason string
	FailureCode   string
	// PredictTime is the provider-reported inference duration in seconds,
	// used for actual-cost accounting. Zero when the provider omitted it.
	PredictTime float64
}
