package workflow

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"pricegate/internal/domain"
	"pricegate/internal/logger"
	"pricegate/internal/verifier"
)

// State is a step of the verify-then-commit state machine.
type State string

const (
	StateIdle             State = "idle"
	StateResolvingProduct State = "resolving_product"
	StateVerifying        State = "verifying"
	StateAccepted         State = "accepted"
	StateCommitting       State = "committing"
	StateDone             State = "done"
	StateRejected         State = "rejected"
	StateFailed           State = "failed"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateRejected || s == StateFailed
}

// User-facing messages for terminal states.
const (
	MsgNoMatchingProduct   = "no matching product"
	MsgMissingLedgerID     = "missing ledger product id for selection"
	MsgEngineUnavailable   = "validation engine unavailable"
	MsgEngineUnreadable    = "validation engine returned unreadable result"
	MsgRejectedNoReason    = "price rejected by validation rules"
	MsgCommitFailedDefault = "failed to update price"
)

var ErrIncompleteSubmission = errors.New("incomplete submission: commodity, state, district, market and a positive price are required")

// Catalog resolves a selection to its canonical product.
type Catalog interface {
	MatchProduct(ctx context.Context, sel domain.Selection) (domain.Product, error)
}

// Verifier obtains a verdict for a proposed price.
type Verifier interface {
	Verify(ctx context.Context, req domain.ValidationRequest) (domain.Verdict, error)
}

// Ledger commits prices.
type Ledger interface {
	UpdatePrice(ctx context.Context, req domain.CommitRequest) (domain.CommitReceipt, error)
}

// Journal persists terminal outcomes.
type Journal interface {
	RecordSubmission(ctx context.Context, s domain.Submission) error
}

// Submission is one vendor attempt to change a price.
type Submission struct {
	domain.Selection
	Price   float64
	ActorID string
}

func (s Submission) Complete() bool {
	return s.Selection.Complete() && s.Price > 0 && !math.IsInf(s.Price, 0) && !math.IsNaN(s.Price)
}

// Outcome is the terminal result of a submission.
type Outcome struct {
	ID        string
	State     State
	Message   string
	ProductID string
	Verdict   *domain.Verdict
	Trail     []State
}

// Orchestrator runs submissions. It holds no per-submission state, so one
// value can serve concurrent callers.
type Orchestrator struct {
	Catalog  Catalog
	Verifier Verifier
	Ledger   Ledger
	Journal  Journal
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func New(c Catalog, v Verifier, l Ledger) Orchestrator {
	return Orchestrator{Catalog: c, Verifier: v, Ledger: l}
}

func (o Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logger.L()
}

func (o Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Orchestrator) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

// Submit drives one submission from idle to a terminal state. The only
// error returned is ErrIncompleteSubmission, raised before any
// collaborator is contacted; every other failure is a failed Outcome.
func (o Orchestrator) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	if !sub.Complete() {
		return Outcome{State: StateIdle, Trail: []State{StateIdle}}, ErrIncompleteSubmission
	}
	r := &run{o: o, sub: sub, out: Outcome{ID: o.newID()}}
	r.log = o.logger().With("submission_id", r.out.ID)
	r.enter(StateIdle)
	r.execute(ctx)
	o.record(ctx, sub, r.out)
	return r.out, nil
}

// run is the per-submission state. It is never shared.
type run struct {
	o   Orchestrator
	sub Submission
	out Outcome
	log *slog.Logger
}

func (r *run) enter(s State) {
	r.out.State = s
	r.out.Trail = append(r.out.Trail, s)
	r.log.Debug("workflow.transition", "state", string(s))
}

func (r *run) fail(msg string, err error) {
	r.enter(StateFailed)
	r.out.Message = msg
	r.log.Warn("workflow.failed", "message", msg, "error", err)
}

func (r *run) execute(ctx context.Context) {
	r.enter(StateResolvingProduct)
	product, err := r.o.Catalog.MatchProduct(ctx, r.sub.Selection)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		r.fail(MsgNoMatchingProduct, err)
		return
	case err != nil:
		r.fail(err.Error(), err)
		return
	case strings.TrimSpace(product.LedgerID) == "":
		r.fail(MsgMissingLedgerID, nil)
		return
	}
	r.out.ProductID = product.LedgerID

	r.enter(StateVerifying)
	verdict, err := r.o.Verifier.Verify(ctx, domain.NewValidationRequest(r.sub.Selection, r.sub.Price))
	if err != nil {
		// Anything that is not a protocol break means the engine never ran.
		msg := MsgEngineUnavailable
		var protoErr *verifier.ProtocolError
		if errors.As(err, &protoErr) {
			msg = MsgEngineUnreadable
		}
		r.fail(msg, err)
		return
	}
	r.out.Verdict = &verdict

	acc, ok := accept(product, r.sub.Price, verdict)
	if !ok {
		r.enter(StateRejected)
		r.out.Message = verdict.ReasonOr(MsgRejectedNoReason)
		r.log.Info("workflow.rejected", "reason", r.out.Message)
		return
	}
	r.enter(StateAccepted)

	r.enter(StateCommitting)
	receipt, err := acc.commit(ctx, r.o.Ledger)
	if err != nil {
		msg := strings.TrimSpace(err.Error())
		if msg == "" {
			msg = MsgCommitFailedDefault
		}
		r.fail(msg, err)
		return
	}
	r.enter(StateDone)
	r.out.Message = receipt.Message
	if receipt.Verdict != nil {
		r.out.Verdict = receipt.Verdict
	}
	r.log.Info("workflow.done", "product_id", r.out.ProductID, "price", r.sub.Price)
}

// accepted can only be built from an ACCEPT verdict and is the only
// holder of the commit operation.
type accepted struct {
	request domain.CommitRequest
}

func accept(p domain.Product, price float64, v domain.Verdict) (accepted, bool) {
	if !v.Accepted() {
		return accepted{}, false
	}
	return accepted{request: domain.CommitRequest{ProductID: p.LedgerID, NewPrice: price}}, true
}

func (a accepted) commit(ctx context.Context, l Ledger) (domain.CommitReceipt, error) {
	return l.UpdatePrice(ctx, a.request)
}

func (o Orchestrator) record(ctx context.Context, sub Submission, out Outcome) {
	if o.Journal == nil {
		return
	}
	s := domain.Submission{
		ID:        out.ID,
		ActorID:   sub.ActorID,
		Commodity: sub.Commodity,
		State:     sub.State,
		District:  sub.District,
		Market:    sub.Market,
		Price:     sub.Price,
		Status:    string(out.State),
		Message:   out.Message,
		ProductID: out.ProductID,
		Verdict:   out.Verdict,
		CreatedAt: o.now().UTC().Format(time.RFC3339),
	}
	if err := o.Journal.RecordSubmission(ctx, s); err != nil {
		o.logger().Error("workflow.journal_failed", "submission_id", out.ID, "error", err)
	}
}
