package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"pricegate/internal/app"
	"pricegate/internal/domain"
	"pricegate/internal/events"
)

// MsgPriceUpdated is the receipt message of a successful commit.
const MsgPriceUpdated = "Price updated"

// UpdatePrice commits a new price for a ledger product. The price change,
// its history row and the audit event are written in one transaction.
func (r Repo) UpdatePrice(ctx context.Context, req domain.CommitRequest) (domain.CommitReceipt, error) {
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return domain.CommitReceipt{}, errors.New("productId is required")
	}
	if req.NewPrice <= 0 || math.IsInf(req.NewPrice, 0) || math.IsNaN(req.NewPrice) {
		return domain.CommitReceipt{}, errors.New("newPrice must be a positive number")
	}
	actor := app.ActorID(ctx)
	now := r.timestamp()

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var old float64
		err := tx.QueryRowContext(ctx, `SELECT price FROM ledger_entries WHERE product_id=?`, productID).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotRegistered
		}
		if err != nil {
			return fmt.Errorf("read ledger entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ledger_entries SET price=?, updated_at=? WHERE product_id=?`, req.NewPrice, now, productID); err != nil {
			return fmt.Errorf("update ledger entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE products SET updated_at=? WHERE ledger_id=?`, now, productID); err != nil {
			return fmt.Errorf("touch product: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO price_updates(product_id,old_price,new_price,actor_id,created_at) VALUES (?,?,?,?,?)`,
			productID, old, req.NewPrice, actor, now); err != nil {
			return fmt.Errorf("append price history: %w", err)
		}
		return r.Events.Append(ctx, tx, events.PriceUpdated, "ledger_entry", productID, actor, events.Payload{
			"old_price": old,
			"new_price": req.NewPrice,
		})
	})
	if err != nil {
		return domain.CommitReceipt{}, err
	}
	return domain.CommitReceipt{Message: MsgPriceUpdated}, nil
}

// LedgerPrice returns the committed price of a ledger product.
func (r Repo) LedgerPrice(ctx context.Context, productID string) (float64, error) {
	var price float64
	err := r.DB.QueryRowContext(ctx, `SELECT price FROM ledger_entries WHERE product_id=?`, productID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotRegistered
	}
	return price, err
}

// PriceHistory lists committed changes for a ledger product, newest first.
func (r Repo) PriceHistory(ctx context.Context, productID string, limit int) ([]domain.PriceUpdate, error) {
	if _, err := r.LedgerPrice(ctx, productID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,product_id,old_price,new_price,actor_id,created_at FROM price_updates WHERE product_id=? ORDER BY id DESC LIMIT ?`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.PriceUpdate{}
	for rows.Next() {
		var u domain.PriceUpdate
		if err := rows.Scan(&u.ID, &u.ProductID, &u.OldPrice, &u.NewPrice, &u.ActorID, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
