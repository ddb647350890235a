package mutuelle

import (
	"encoding/json"
	"strings"
	"time"
)

// Base carries the fields shared by every mirrored entity.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityID returns the primary key.
func (b *Base) EntityID() string { return b.ID }

// SetEntityID sets the primary key.
func (b *Base) SetEntityID(id string) { b.ID = id }

// Touch stamps a local write.
func (b *Base) Touch(now time.Time) {
	now = now.UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// Contract is an insurance contract.
type Contract struct {
	Base
	Number         string  `json:"number"`
	HolderName     string  `json:"holder_name"`
	Product        string  `json:"product"`
	Status         string  `json:"status"`
	StartDate      string  `json:"start_date"`
	EndDate        string  `json:"end_date,omitempty"`
	MonthlyPremium float64 `json:"monthly_premium"`
}

// Contract statuses.
const (
	ContractActive     = "active"
	ContractSuspended  = "suspended"
	ContractTerminated = "terminated"
)

// Validate checks a contract before it is written.
func (c Contract) Validate() error {
	if strings.TrimSpace(c.Number) == "" {
		return &ValidationError{Field: "number", Message: "required"}
	}
	switch c.Status {
	case "", ContractActive, ContractSuspended, ContractTerminated:
	default:
		return &ValidationError{Field: "status", Message: "must be active, suspended or terminated"}
	}
	if c.MonthlyPremium < 0 {
		return &ValidationError{Field: "monthly_premium", Message: "must be >= 0"}
	}
	return nil
}

// InsuredPerson is a person covered by a contract.
type InsuredPerson struct {
	Base
	ContractID   string `json:"contract_id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	BirthDate    string `json:"birth_date,omitempty"`
	SocialNumber string `json:"social_number,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

// Validate checks an insured person before it is written.
func (p InsuredPerson) Validate() error {
	if p.ContractID == "" {
		return &ValidationError{Field: "contract_id", Message: "required"}
	}
	if strings.TrimSpace(p.LastName) == "" {
		return &ValidationError{Field: "last_name", Message: "required"}
	}
	return nil
}

// Beneficiary receives benefits under a contract.
type Beneficiary struct {
	Base
	ContractID      string  `json:"contract_id"`
	InsuredPersonID string  `json:"insured_person_id,omitempty"`
	FullName        string  `json:"full_name"`
	Relationship    string  `json:"relationship,omitempty"`
	SharePercent    float64 `json:"share_percent"`
}

// Validate checks a beneficiary before it is written.
func (b Beneficiary) Validate() error {
	if b.ContractID == "" {
		return &ValidationError{Field: "contract_id", Message: "required"}
	}
	if b.SharePercent < 0 || b.SharePercent > 100 {
		return &ValidationError{Field: "share_percent", Message: "must be between 0 and 100"}
	}
	return nil
}

// Contribution is a premium call for one period.
type Contribution struct {
	Base
	ContractID string  `json:"contract_id"`
	Period     string  `json:"period"`
	Amount     float64 `json:"amount"`
	DueDate    string  `json:"due_date,omitempty"`
	Status     string  `json:"status,omitempty"`
}

// Validate checks a contribution before it is written.
func (c Contribution) Validate() error {
	if c.ContractID == "" {
		return &ValidationError{Field: "contract_id", Message: "required"}
	}
	if c.Amount < 0 {
		return &ValidationError{Field: "amount", Message: "must be >= 0"}
	}
	return nil
}

// ContributionPayment settles a contribution.
type ContributionPayment struct {
	Base
	ContributionID string  `json:"contribution_id"`
	Amount         float64 `json:"amount"`
	PaidAt         string  `json:"paid_at,omitempty"`
	Method         string  `json:"method,omitempty"`
	Reference      string  `json:"reference,omitempty"`
}

// Validate checks a payment before it is written.
func (p ContributionPayment) Validate() error {
	if p.ContributionID == "" {
		return &ValidationError{Field: "contribution_id", Message: "required"}
	}
	if p.Amount <= 0 {
		return &ValidationError{Field: "amount", Message: "must be > 0"}
	}
	return nil
}

// Reimbursement is a claim for care expenses.
type Reimbursement struct {
	Base
	ContractID       string  `json:"contract_id"`
	InsuredPersonID  string  `json:"insured_person_id"`
	ProviderID       string  `json:"provider_id,omitempty"`
	CareDate         string  `json:"care_date,omitempty"`
	CareType         string  `json:"care_type"`
	Amount           float64 `json:"amount"`
	ReimbursedAmount float64 `json:"reimbursed_amount"`
	Status           string  `json:"status,omitempty"`
}

// Validate checks a reimbursement before it is written.
func (r Reimbursement) Validate() error {
	if r.ContractID == "" {
		return &ValidationError{Field: "contract_id", Message: "required"}
	}
	if r.Amount < 0 {
		return &ValidationError{Field: "amount", Message: "must be >= 0"}
	}
	if r.ReimbursedAmount > r.Amount {
		return &ValidationError{Field: "reimbursed_amount", Message: "exceeds claimed amount"}
	}
	return nil
}

// Provider is a care provider.
type Provider struct {
	Base
	Name         string `json:"name"`
	Kind         string `json:"kind,omitempty"`
	Registration string `json:"registration,omitempty"`
	Address      string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
}

// Validate checks a provider before it is written.
func (p Provider) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Message: "required"}
	}
	return nil
}

// Document references a stored file attached to a contract.
type Document struct {
	Base
	ContractID  string `json:"contract_id,omitempty"`
	Kind        string `json:"kind"`
	FileName    string `json:"file_name"`
	StoragePath string `json:"storage_path,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
}

// ReimbursementCeiling caps yearly reimbursements per care type.
type ReimbursementCeiling struct {
	Base
	ContractID  string  `json:"contract_id"`
	CareType    string  `json:"care_type"`
	Year        int     `json:"year"`
	AnnualLimit float64 `json:"annual_limit"`
}

// Validate checks a ceiling before it is written.
func (c ReimbursementCeiling) Validate() error {
	if c.ContractID == "" {
		return &ValidationError{Field: "contract_id", Message: "required"}
	}
	if c.AnnualLimit < 0 {
		return &ValidationError{Field: "annual_limit", Message: "must be >= 0"}
	}
	return nil
}

// HealthDeclaration is a questionnaire filled at subscription.
type HealthDeclaration struct {
	Base
	InsuredPersonID string          `json:"insured_person_id"`
	DeclaredAt      string          `json:"declared_at,omitempty"`
	Answers         json.RawMessage `json:"answers,omitempty"`
	Status          string          `json:"status,omitempty"`
}

// AuditEntry records a back-office action.
type AuditEntry struct {
	Base
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	TableName string          `json:"table_name,omitempty"`
	RecordID  string          `json:"record_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// CareAuthorization is a prior approval for care.
type CareAuthorization struct {
	Base
	InsuredPersonID string  `json:"insured_person_id"`
	ProviderID      string  `json:"provider_id,omitempty"`
	CareType        string  `json:"care_type"`
	RequestedAt     string  `json:"requested_at,omitempty"`
	ValidUntil      string  `json:"valid_until,omitempty"`
	EstimatedCost   float64 `json:"estimated_cost"`
	Status          string  `json:"status,omitempty"`
}

// Validate checks an authorization before it is written.
func (a CareAuthorization) Validate() error {
	if a.InsuredPersonID == "" {
		return &ValidationError{Field: "insured_person_id", Message: "required"}
	}
	if a.EstimatedCost < 0 {
		return &ValidationError{Field: "estimated_cost", Message: "must be >= 0"}
	}
	return nil
}
