package server

import (
	"pricegate/internal/domain"
	"pricegate/internal/workflow"
)

// Request payloads

type SelectionQuery struct {
	Commodity string `query:"commodity"`
	State     string `query:"state"`
	District  string `query:"district"`
	Market    string `query:"market"`
}

func (q SelectionQuery) selection() domain.Selection {
	return domain.Selection{Commodity: q.Commodity, State: q.State, District: q.District, Market: q.Market}
}

type CheckPriceRequest struct {
	Commodity   string  `json:"commodity" minLength:"1"`
	State       string  `json:"state" minLength:"1"`
	District    string  `json:"district" minLength:"1"`
	Market      string  `json:"market" minLength:"1"`
	VendorPrice float64 `json:"vendor_price" exclusiveMinimum:"0" example:"2100"`
}

type UpdatePriceRequest struct {
	ProductID string  `json:"productId" minLength:"1" example:"P1"`
	NewPrice  float64 `json:"newPrice" exclusiveMinimum:"0" example:"2100"`
}

type RegisterProductRequest struct {
	Commodity string  `json:"commodity" minLength:"1"`
	State     string  `json:"state" minLength:"1"`
	District  string  `json:"district" minLength:"1"`
	Market    string  `json:"market" minLength:"1"`
	LedgerID  string  `json:"blockchainProductId,omitempty" doc:"Ledger product id; defaults to the catalog id"`
	Price     float64 `json:"price" exclusiveMinimum:"0" doc:"Opening ledger price"`
}

type SubmissionRequest struct {
	Commodity string  `json:"commodity"`
	State     string  `json:"state"`
	District  string  `json:"district"`
	Market    string  `json:"market"`
	Price     float64 `json:"price"`
}

// Response payloads

type OptionsResponse struct {
	Level  string   `json:"level" enum:"commodity,state,district,market"`
	Values []string `json:"values"`
}

type UpdatePriceResponse struct {
	Message  string         `json:"message" example:"Price updated"`
	MLResult map[string]any `json:"mlResult,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type SubmissionResponse struct {
	ID        string         `json:"id"`
	Status    string         `json:"status" enum:"done,rejected,failed"`
	Message   string         `json:"message"`
	ProductID string         `json:"blockchainProductId,omitempty"`
	Verdict   map[string]any `json:"mlResult,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Trail     []string       `json:"trail"`
}

type SubmissionRecord struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Commodity string         `json:"commodity"`
	State     string         `json:"state"`
	District  string         `json:"district"`
	Market    string         `json:"market"`
	Price     float64        `json:"price"`
	Status    string         `json:"status" enum:"done,rejected,failed"`
	Message   string         `json:"message"`
	ProductID string         `json:"product_id,omitempty"`
	Verdict   map[string]any `json:"verdict,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func verdictDocument(v *domain.Verdict) map[string]any {
	if v == nil {
		return nil
	}
	return v.Document()
}

func submissionResponse(out workflow.Outcome) SubmissionResponse {
	trail := make([]string, 0, len(out.Trail))
	for _, s := range out.Trail {
		trail = append(trail, string(s))
	}
	return SubmissionResponse{
		ID:        out.ID,
		Status:    string(out.State),
		Message:   out.Message,
		ProductID: out.ProductID,
		Verdict:   verdictDocument(out.Verdict),
		Trail:     trail,
	}
}

func submissionRecord(s domain.Submission) SubmissionRecord {
	return SubmissionRecord{
		ID:        s.ID,
		ActorID:   s.ActorID,
		Commodity: s.Commodity,
		State:     s.State,
		District:  s.District,
		Market:    s.Market,
		Price:     s.Price,
		Status:    s.Status,
		Message:   s.Message,
		ProductID: s.ProductID,
		Verdict:   verdictDocument(s.Verdict),
		CreatedAt: s.CreatedAt,
	}
}

func mapSubmissions(items []domain.Submission) []SubmissionRecord {
	res := make([]SubmissionRecord, 0, len(items))
	for _, s := range items {
		res = append(res, submissionRecord(s))
	}
	return res
}
