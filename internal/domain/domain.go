package domain

// Severity levels for a diagnosed issue.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

type Plant struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id"`
	ImageURL  string           `json:"image_url"`
	Name      *string          `json:"name,omitempty"`
	Diagnosis *DiagnosisResult `json:"diagnosis,omitempty"`
	CreatedAt string           `json:"created_at" format:"date-time"`
	// Treatments is populated on single-plant fetches, ordered by step.
	Treatments []Treatment `json:"treatments,omitempty"`
}

type Treatment struct {
	ID          string `json:"id"`
	PlantID     string `json:"plant_id"`
	Step        int    `json:"step"`
	Description string `json:"description"`
	Date        string `json:"date" format:"date"`
	Completed   bool   `json:"completed"`
}

// DiagnosisResult is the structured payload returned by the diagnosis oracle.
// It is validated at the oracle boundary and stored verbatim on the plant row.
type DiagnosisResult struct {
	PlantName       string           `json:"plantName"`
	Confidence      float64          `json:"confidence"`
	Issues          []Issue          `json:"issues"`
	Recommendations []Recommendation `json:"recommendations"`
	CareTips        []CareTip        `json:"careTips,omitempty"`
}

type Issue struct {
	Name        string   `json:"name"`
	Severity    string   `json:"severity" enum:"low,medium,high"`
	Description string   `json:"description"`
	Causes      []string `json:"causes,omitempty"`
}

type Recommendation struct {
	Action   string `json:"action"`
	Timeline string `json:"timeline"`
	Priority int    `json:"priority"`
}

type CareTip struct {
	Icon        string `json:"icon"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// DisplayCareTips returns at most five care tips for presentation layers.
func (d DiagnosisResult) DisplayCareTips() []CareTip {
	if len(d.CareTips) <= 5 {
		return d.CareTips
	}
	return d.CareTips[:5]
}
