/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

TYPES:
  Customers:   CustomerDTO, UpsertCustomerRequest, ProfileRequest, CustomerIDsResponse
  Ledger:      AccrualRequest/Response, DeductionRequest/Response, BalanceDTO, EntryDTO
  Jobs:        JobStatusDTO, JobRunDTO
  Errors:      ErrorResponse

Timestamps are RFC 3339 in UTC. Validation happens in handlers.
*/
package api

import (
	"time"

	"github.com/warp/bonus-ledger/ledger"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// CustomerDTO represents a customer in API responses.
type CustomerDTO struct {
	ID               int64      `json:"id"`
	Username         string     `json:"username,omitempty"`
	FirstName        string     `json:"first_name,omitempty"`
	LastName         string     `json:"last_name,omitempty"`
	CashbackPercent  int        `json:"cashback_percent"`
	Visits           int        `json:"visits"`
	VisitsPerYear    int        `json:"visits_per_year"`
	ProfileCompleted bool       `json:"profile_completed"`
	Profile          ProfileDTO `json:"profile"`
	CreatedAt        string     `json:"created_at,omitempty"`
}

// ProfileDTO carries the personal data entered at registration.
type ProfileDTO struct {
	Name     string `json:"name,omitempty"`
	Surname  string `json:"surname,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	Birthday string `json:"birthday,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

// UpsertCustomerRequest registers a customer or refreshes their identity.
type UpsertCustomerRequest struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// ProfileRequest completes the customer profile.
type ProfileRequest = ProfileDTO

// ProfileResponse is returned once the profile is saved.
type ProfileResponse struct {
	Customer     CustomerDTO `json:"customer"`
	BonusGranted int64       `json:"bonus_granted"`
}

func toCustomerDTO(c ledger.Customer) CustomerDTO {
	return CustomerDTO{
		ID:               int64(c.ID),
		Username:         c.Username,
		FirstName:        c.FirstName,
		LastName:         c.LastName,
		CashbackPercent:  c.CashbackPercent,
		Visits:           c.Visits,
		VisitsPerYear:    c.VisitsPerYear,
		ProfileCompleted: c.ProfileCompleted,
		Profile: ProfileDTO{
			Name:     c.Profile.Name,
			Surname:  c.Profile.Surname,
			Phone:    c.Profile.Phone,
			Email:    c.Profile.Email,
			Birthday: c.Profile.Birthday,
			Gender:   c.Profile.Gender,
		},
		CreatedAt: formatTime(c.CreatedAt),
	}
}

func (p ProfileDTO) toProfile() ledger.Profile {
	return ledger.Profile{
		Name:     p.Name,
		Surname:  p.Surname,
		Phone:    p.Phone,
		Email:    p.Email,
		Birthday: p.Birthday,
		Gender:   p.Gender,
	}
}

// =============================================================================
// LEDGER OPERATIONS
// =============================================================================

// AccrualRequest records a purchase. ExpireDays 0 selects the default horizon.
type AccrualRequest struct {
	PurchaseAmount int64 `json:"purchase_amount"`
	ExpireDays     int   `json:"expire_days,omitempty"`
}

type AccrualResponse struct {
	Credit int64 `json:"credit"`
}

// DeductionRequest redeems points.
type DeductionRequest struct {
	Amount int64 `json:"amount"`
}

type DeductionResponse struct {
	Requested int64 `json:"requested"`
	Deducted  int64 `json:"deducted"`
	Partial   bool  `json:"partial"`
}

// BalanceDTO is the customer's live balance.
type BalanceDTO struct {
	TotalPoints       int64   `json:"total_points"`
	NearestExpiration *string `json:"nearest_expiration"`
	ExpiringAtNearest int64   `json:"expiring_at_nearest"`
}

// EntryDTO represents one credit entry.
type EntryDTO struct {
	ID         int64  `json:"id"`
	Amount     int64  `json:"amount"`
	ExpireDate string `json:"expire_date"`
	SourceType string `json:"source_type"`
	Live       bool   `json:"live"`
	CreatedAt  string `json:"created_at"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	dto := BalanceDTO{TotalPoints: b.TotalPoints, ExpiringAtNearest: b.ExpiringAtNearest}
	if b.NearestExpiration != nil {
		s := formatTime(*b.NearestExpiration)
		dto.NearestExpiration = &s
	}
	return dto
}

func toEntryDTOs(entries []ledger.CreditEntry, now time.Time) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = EntryDTO{
			ID:         int64(e.ID),
			Amount:     e.Amount,
			ExpireDate: formatTime(e.ExpireDate),
			SourceType: string(e.SourceType),
			Live:       e.Live(now),
			CreatedAt:  formatTime(e.CreatedAt),
		}
	}
	return dtos
}

// =============================================================================
// JOBS
// =============================================================================

// CustomerIDsResponse lists registered customers for the broadcast service.
type CustomerIDsResponse struct {
	IDs   []int64 `json:"ids"`
	Count int     `json:"count"`
}

// JobStatusDTO describes a job's trigger, next firing and most recent run.
type JobStatusDTO struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule,omitempty"`
	NextRun  string     `json:"next_run,omitempty"`
	LastRun  *JobRunDTO `json:"last_run,omitempty"`
}

// JobRunDTO is one finished job run.
type JobRunDTO struct {
	RunID      string `json:"run_id"`
	Job        string `json:"job"`
	Trigger    string `json:"trigger"`
	Affected   int64  `json:"affected"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	Error      string `json:"error,omitempty"`
}

func toJobRunDTO(r JobRun) JobRunDTO {
	return JobRunDTO{
		RunID:      r.ID.String(),
		Job:        string(r.Job),
		Trigger:    r.Trigger,
		Affected:   r.Affected,
		StartedAt:  formatTime(r.StartedAt),
		FinishedAt: formatTime(r.FinishedAt),
		Error:      r.Error,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
