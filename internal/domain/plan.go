package domain

// PlannedStep is one operation of a rule's execution plan. When FeedAmount
// is set, the step's amount is replaced by the output value of the previous
// step.
type PlannedStep struct {
	Action     string           `json:"action"`
	Request    OperationRequest `json:"request"`
	FeedAmount bool             `json:"feed_amount,omitempty"`
}
