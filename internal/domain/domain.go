package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// Selection is the vendor-facing commodity/location combination.
type Selection struct {
	Commodity string `json:"commodity"`
	State     string `json:"state"`
	District  string `json:"district"`
	Market    string `json:"market"`
}

// Complete reports whether every selection field is filled in.
func (s Selection) Complete() bool {
	for _, v := range []string{s.Commodity, s.State, s.District, s.Market} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// ValidationRequest is the payload handed to the validation engine.
type ValidationRequest struct {
	Commodity   string  `json:"commodity"`
	State       string  `json:"state"`
	District    string  `json:"district"`
	Market      string  `json:"market"`
	VendorPrice float64 `json:"vendor_price"`
}

func NewValidationRequest(sel Selection, price float64) ValidationRequest {
	return ValidationRequest{
		Commodity:   sel.Commodity,
		State:       sel.State,
		District:    sel.District,
		Market:      sel.Market,
		VendorPrice: price,
	}
}

type VerdictStatus string

const (
	VerdictAccept VerdictStatus = "accept"
	VerdictReject VerdictStatus = "reject"
)

// Verdict is the decoded decision of the validation engine. Fields holds
// every key of the document other than status, reason and the modal price.
type Verdict struct {
	Status         VerdictStatus  `json:"-"`
	RawStatus      string         `json:"-"`
	Reason         *string        `json:"-"`
	ReferencePrice *float64       `json:"-"`
	Fields         map[string]any `json:"-"`
}

func (v Verdict) Accepted() bool { return v.Status == VerdictAccept }

// ReasonOr returns the verdict reason, or fallback when the engine gave none.
func (v Verdict) ReasonOr(fallback string) string {
	if v.Reason != nil && strings.TrimSpace(*v.Reason) != "" {
		return *v.Reason
	}
	return fallback
}

// Document renders the verdict in the engine's own shape.
func (v Verdict) Document() map[string]any {
	out := make(map[string]any, len(v.Fields)+3)
	for k, val := range v.Fields {
		out[k] = val
	}
	out["status"] = v.RawStatus
	if v.Reason != nil {
		out["reason"] = *v.Reason
	}
	if v.ReferencePrice != nil {
		out["market_modal_price"] = *v.ReferencePrice
	}
	return out
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Document())
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*v = VerdictFromDocument(doc)
	return nil
}

// VerdictFromDocument splits a decoded engine document into a Verdict.
// Only the exact status "accept" is an acceptance. The modal price is read
// from market_modal_price, falling back to marketModalPrice; whichever key
// is not used stays in Fields.
func VerdictFromDocument(doc map[string]any) Verdict {
	v := Verdict{Status: VerdictReject, Fields: map[string]any{}}
	for k, val := range doc {
		switch k {
		case "status":
			if s, ok := val.(string); ok {
				v.RawStatus = s
			}
		case "reason":
			if s, ok := val.(string); ok {
				v.Reason = &s
			}
		default:
			v.Fields[k] = val
		}
	}
	for _, key := range []string{"market_modal_price", "marketModalPrice"} {
		if f, ok := doc[key].(float64); ok {
			v.ReferencePrice = &f
			delete(v.Fields, key)
			break
		}
	}
	if v.RawStatus == string(VerdictAccept) {
		v.Status = VerdictAccept
	}
	return v
}

// ErrNotFound is returned by catalogs and ledgers for unknown selections
// or products.
var ErrNotFound = errors.New("not found")

// CommitRequest asks the ledger to record a new price for a product.
type CommitRequest struct {
	ProductID string  `json:"productId"`
	NewPrice  float64 `json:"newPrice"`
}

// CommitReceipt is the ledger's answer to a successful commit.
type CommitReceipt struct {
	Message string   `json:"message"`
	Verdict *Verdict `json:"mlResult,omitempty"`
}

type Product struct {
	ID        string  `json:"id"`
	Commodity string  `json:"commodity"`
	State     string  `json:"state"`
	District  string  `json:"district"`
	Market    string  `json:"market"`
	LedgerID  string  `json:"blockchainProductId"`
	Price     float64 `json:"price"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

func (p Product) Selection() Selection {
	return Selection{Commodity: p.Commodity, State: p.State, District: p.District, Market: p.Market}
}

type PriceUpdate struct {
	ID        int64   `json:"id"`
	ProductID string  `json:"product_id"`
	OldPrice  float64 `json:"old_price"`
	NewPrice  float64 `json:"new_price"`
	ActorID   string  `json:"actor_id"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Submission struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Commodity string   `json:"commodity"`
	State     string   `json:"state"`
	District  string   `json:"district"`
	Market    string   `json:"market"`
	Price     float64  `json:"price"`
	Status    string   `json:"status" enum:"done,rejected,failed"`
	Message   string   `json:"message"`
	ProductID string   `json:"product_id,omitempty"`
	Verdict   *Verdict `json:"verdict,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
