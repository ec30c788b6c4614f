package model

// GrantAccessStatusAvailable is shown when no access record exists yet
const GrantAccessStatusAvailable = "Available"

// Access type constants
const (
	AccessTypeNone         = "none"          // no access yet
	AccessTypeAdminGranted = "admin-granted" // blanket access on the agent profile
	AccessTypeFree         = "free"          // granted without charge
	AccessTypePaid         = "paid"          // granted after payment
)

// PaymentSummary is the payment part of an access summary
type PaymentSummary struct {
	Status       PaymentStatus `json:"status"`
	Amount       float64       `json:"amount"`
	Currency     string        `json:"currency"`
	IntentID     string        `json:"intent_id,omitempty"`
	FailureCount int           `json:"failure_count"`
}

// AccessSummary is what an agent sees about its access to one request
type AccessSummary struct {
	GrantAccessStatus string          `json:"grant_access_status"`
	AccessType        string          `json:"access_type"`
	CanRequestAccess  bool            `json:"can_request_access"`
	CanViewRenter     bool            `json:"can_view_renter"`
	ChargeAmount      *float64        `json:"charge_amount,omitempty"`
	Payment           *PaymentSummary `json:"payment,omitempty"`
}
