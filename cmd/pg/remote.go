package main

import (
	"context"
	"fmt"

	"pricegate/internal/domain"
	pricegatesdk "pricegate/sdk/go"
)

// remoteCatalog resolves selections against a pricegate server.
type remoteCatalog struct {
	client *pricegatesdk.Client
}

func (c remoteCatalog) MatchProduct(ctx context.Context, sel domain.Selection) (domain.Product, error) {
	p, err := c.client.MatchProduct(ctx, pricegatesdk.Selection{
		Commodity: sel.Commodity,
		State:     sel.State,
		District:  sel.District,
		Market:    sel.Market,
	})
	if pricegatesdk.IsNotFound(err) {
		return domain.Product{}, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	if err != nil {
		return domain.Product{}, err
	}
	return domain.Product{
		ID:        p.ID,
		Commodity: p.Commodity,
		State:     p.State,
		District:  p.District,
		Market:    p.Market,
		LedgerID:  p.LedgerID,
		Price:     p.Price,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

// remoteLedger commits prices through a pricegate server. Error messages
// from the server are passed through unchanged.
type remoteLedger struct {
	client *pricegatesdk.Client
}

func (l remoteLedger) UpdatePrice(ctx context.Context, req domain.CommitRequest) (domain.CommitReceipt, error) {
	res, err := l.client.UpdatePrice(ctx, req.ProductID, req.NewPrice)
	if err != nil {
		return domain.CommitReceipt{}, err
	}
	receipt := domain.CommitReceipt{Message: res.Message}
	if res.MLResult != nil {
		v := domain.VerdictFromDocument(res.MLResult)
		receipt.Verdict = &v
	}
	return receipt, nil
}
