package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pricegate/internal/app"
	"pricegate/internal/domain"
	"pricegate/internal/events"
)

var productNamespace = uuid.MustParse("6f1d4c1e-8a51-4d55-9a3e-2f7c9b0d4e21")

// ProductID derives a stable catalog id from a selection.
func ProductID(sel domain.Selection) string {
	key := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(sel.Commodity)),
		strings.ToLower(strings.TrimSpace(sel.State)),
		strings.ToLower(strings.TrimSpace(sel.District)),
		strings.ToLower(strings.TrimSpace(sel.Market)),
	}, "\x1f")
	return uuid.NewSHA1(productNamespace, []byte(key)).String()
}

const productColumns = `p.id,p.commodity,p.state,p.district,p.market,p.ledger_id,COALESCE(l.price,0),p.created_at,p.updated_at`

const productFrom = `FROM products p LEFT JOIN ledger_entries l ON l.product_id=p.ledger_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Commodity, &p.State, &p.District, &p.Market, &p.LedgerID, &p.Price, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// ListCommodities returns the distinct commodities in the catalog.
func (r Repo) ListCommodities(ctx context.Context) ([]string, error) {
	return r.distinct(ctx, "commodity", nil)
}

func (r Repo) ListStates(ctx context.Context, commodity string) ([]string, error) {
	return r.distinct(ctx, "state", map[string]string{"commodity": commodity})
}

func (r Repo) ListDistricts(ctx context.Context, commodity, state string) ([]string, error) {
	return r.distinct(ctx, "district", map[string]string{"commodity": commodity, "state": state})
}

func (r Repo) ListMarkets(ctx context.Context, commodity, state, district string) ([]string, error) {
	return r.distinct(ctx, "market", map[string]string{"commodity": commodity, "state": state, "district": district})
}

// distinct lists sorted values of column, narrowed by the non-empty filters.
func (r Repo) distinct(ctx context.Context, column string, filters map[string]string) ([]string, error) {
	clauses := []string{"1=1"}
	var args []any
	for _, col := range []string{"commodity", "state", "district"} {
		if v := strings.TrimSpace(filters[col]); v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM products WHERE %s ORDER BY %s`, column, strings.Join(clauses, " AND "), column)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// MatchProduct resolves a full selection to its catalog product.
func (r Repo) MatchProduct(ctx context.Context, sel domain.Selection) (domain.Product, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+productColumns+` `+productFrom+`
WHERE p.commodity=? AND p.state=? AND p.district=? AND p.market=?`,
		strings.TrimSpace(sel.Commodity), strings.TrimSpace(sel.State), strings.TrimSpace(sel.District), strings.TrimSpace(sel.Market))
	return scanProduct(row)
}

func (r Repo) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return scanProduct(r.DB.QueryRowContext(ctx, `SELECT `+productColumns+` `+productFrom+` WHERE p.id=?`, id))
}

// ProductFilters narrows ListProducts; empty fields match everything.
type ProductFilters struct {
	Commodity string
	State     string
	District  string
	Limit     int
}

func (r Repo) ListProducts(ctx context.Context, f ProductFilters) ([]domain.Product, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Commodity != "" {
		clauses = append(clauses, "p.commodity=?")
		args = append(args, f.Commodity)
	}
	if f.State != "" {
		clauses = append(clauses, "p.state=?")
		args = append(args, f.State)
	}
	if f.District != "" {
		clauses = append(clauses, "p.district=?")
		args = append(args, f.District)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	query := `SELECT ` + productColumns + ` ` + productFrom + ` WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY p.commodity,p.state,p.district,p.market LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AddProduct registers a catalog product and opens its ledger entry at
// p.Price in one transaction. An empty LedgerID defaults to the catalog id.
func (r Repo) AddProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	sel := p.Selection()
	if !sel.Complete() {
		return domain.Product{}, errors.New("commodity, state, district and market are required")
	}
	if p.Price <= 0 {
		return domain.Product{}, errors.New("opening price must be positive")
	}
	p.Commodity = strings.TrimSpace(p.Commodity)
	p.State = strings.TrimSpace(p.State)
	p.District = strings.TrimSpace(p.District)
	p.Market = strings.TrimSpace(p.Market)
	p.ID = ProductID(sel)
	p.LedgerID = strings.TrimSpace(p.LedgerID)
	if p.LedgerID == "" {
		p.LedgerID = p.ID
	}
	now := r.timestamp()
	p.CreatedAt, p.UpdatedAt = now, now
	actor := app.ActorID(ctx)

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO products(id,commodity,state,district,market,ledger_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
			p.ID, p.Commodity, p.State, p.District, p.Market, p.LedgerID, p.CreatedAt, p.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return conflict("product %s/%s/%s/%s", p.Commodity, p.State, p.District, p.Market)
			}
			return fmt.Errorf("insert product: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(product_id,price,updated_at) VALUES (?,?,?)`,
			p.LedgerID, p.Price, now); err != nil {
			if isUniqueViolation(err) {
				return conflict("ledger product %s", p.LedgerID)
			}
			return fmt.Errorf("open ledger entry: %w", err)
		}
		return r.Events.Append(ctx, tx, events.ProductRegistered, "product", p.ID, actor, events.Payload{
			"ledger_id": p.LedgerID,
			"commodity": p.Commodity,
			"state":     p.State,
			"district":  p.District,
			"market":    p.Market,
			"price":     p.Price,
		})
	})
	if err != nil {
		return domain.Product{}, err
	}
	return p, nil
}
