package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"pricegate/internal/app"
	"pricegate/internal/config"
	"pricegate/internal/domain"
	"pricegate/internal/events"
	"pricegate/internal/logger"
	"pricegate/internal/repo"
	"pricegate/internal/runner"
	"pricegate/internal/verifier"
	"pricegate/internal/workflow"
)

// Engine bundles the local catalog/ledger store with the validation engine
// and the submission workflow built on top of them. Catalog and Ledger
// default to the local store; the CLI swaps in remote ones.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Workspace string
	Verifier  verifier.Invoker
	Catalog   workflow.Catalog
	Ledger    workflow.Ledger
	Now       func() time.Time
	Logger    *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, workspace string) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	res := runner.New(cfg.Validator.Executors...)
	res.Dir = workspace
	inv := verifier.New(res, cfg.ScriptPath(workspace))
	inv.Timeout = cfg.Validator.Timeout.Std()
	return Engine{
		DB:        db,
		Repo:      repo.New(db),
		Config:    cfg,
		Workspace: workspace,
		Verifier:  inv,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// store returns the repo stamped with the engine clock.
func (e Engine) store() repo.Repo {
	r := e.Repo
	r.Now = e.now
	r.Events = events.Writer{Now: e.now}
	return r
}

// Orchestrator builds the submission workflow over the engine's collaborators.
func (e Engine) Orchestrator() workflow.Orchestrator {
	store := e.store()
	var (
		catalog workflow.Catalog = store
		ledger  workflow.Ledger  = store
	)
	if e.Catalog != nil {
		catalog = e.Catalog
	}
	if e.Ledger != nil {
		ledger = e.Ledger
	}
	o := workflow.New(catalog, e.Verifier, ledger)
	o.Journal = store
	o.Now = e.now
	o.Logger = e.Logger
	return o
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logger.L()
}

// Submit runs one vendor submission through the verify-then-commit workflow.
func (e Engine) Submit(ctx context.Context, sub workflow.Submission) (workflow.Outcome, error) {
	if sub.ActorID == "" {
		sub.ActorID = app.ActorID(ctx)
	}
	ctx = app.WithActor(ctx, sub.ActorID)
	out, err := e.Orchestrator().Submit(ctx, sub)
	if err != nil {
		return out, err
	}
	e.logger().Info("engine.submission",
		"submission_id", out.ID,
		"actor_id", sub.ActorID,
		"state", string(out.State),
		"product_id", out.ProductID,
	)
	return out, nil
}

// Check asks the validation engine for a verdict without touching the ledger.
func (e Engine) Check(ctx context.Context, sel domain.Selection, price float64) (domain.Verdict, error) {
	if !sel.Complete() || !(price > 0) || math.IsInf(price, 0) {
		return domain.Verdict{}, workflow.ErrIncompleteSubmission
	}
	return e.Verifier.Verify(ctx, domain.NewValidationRequest(sel, price))
}

// CommitPrice writes a price straight to the ledger. It is the ledger's own
// update operation; vendor flows go through Submit.
func (e Engine) CommitPrice(ctx context.Context, req domain.CommitRequest) (domain.CommitReceipt, error) {
	return e.store().UpdatePrice(ctx, req)
}

// RegisterProduct adds a catalog product and opens its ledger entry.
func (e Engine) RegisterProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	if strings.TrimSpace(p.LedgerID) != "" && strings.ContainsAny(p.LedgerID, " \t\n/") {
		return domain.Product{}, errors.New("invalid ledger id: must not contain whitespace or '/'")
	}
	added, err := e.store().AddProduct(ctx, p)
	if err != nil {
		return domain.Product{}, err
	}
	e.logger().Info("engine.product_registered", "product_id", added.ID, "ledger_id", added.LedgerID)
	return added, nil
}

// Options lists the next selection level given the fields filled so far.
func (e Engine) Options(ctx context.Context, sel domain.Selection) (level string, values []string, err error) {
	switch {
	case sel.Commodity == "":
		values, err = e.Repo.ListCommodities(ctx)
		return "commodity", values, err
	case sel.State == "":
		values, err = e.Repo.ListStates(ctx, sel.Commodity)
		return "state", values, err
	case sel.District == "":
		values, err = e.Repo.ListDistricts(ctx, sel.Commodity, sel.State)
		return "district", values, err
	default:
		values, err = e.Repo.ListMarkets(ctx, sel.Commodity, sel.State, sel.District)
		return "market", values, err
	}
}
