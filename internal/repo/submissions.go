package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pricegate/internal/domain"
	"pricegate/internal/events"
)

// RecordSubmission stores a terminal submission outcome with its audit event.
func (r Repo) RecordSubmission(ctx context.Context, s domain.Submission) error {
	var verdictJSON string
	if s.Verdict != nil {
		b, err := json.Marshal(s.Verdict)
		if err != nil {
			return fmt.Errorf("marshal verdict: %w", err)
		}
		verdictJSON = string(b)
	}
	if s.CreatedAt == "" {
		s.CreatedAt = r.timestamp()
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO submissions(id,actor_id,commodity,state,district,market,price,status,message,product_id,verdict_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			s.ID, s.ActorID, s.Commodity, s.State, s.District, s.Market, s.Price, s.Status, s.Message,
			nullable(s.ProductID), nullable(verdictJSON), s.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return conflict("submission %s", s.ID)
			}
			return fmt.Errorf("insert submission: %w", err)
		}
		return r.Events.Append(ctx, tx, events.SubmissionRecorded, "submission", s.ID, s.ActorID, events.Payload{
			"status":     s.Status,
			"message":    s.Message,
			"product_id": s.ProductID,
			"price":      s.Price,
		})
	})
}

const submissionColumns = `id,actor_id,commodity,state,district,market,price,status,message,COALESCE(product_id,''),verdict_json,created_at`

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var (
		s       domain.Submission
		verdict sql.NullString
	)
	err := row.Scan(&s.ID, &s.ActorID, &s.Commodity, &s.State, &s.District, &s.Market, &s.Price, &s.Status, &s.Message, &s.ProductID, &verdict, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if verdict.Valid && verdict.String != "" {
		var v domain.Verdict
		if err := json.Unmarshal([]byte(verdict.String), &v); err != nil {
			return s, fmt.Errorf("decode verdict of submission %s: %w", s.ID, err)
		}
		s.Verdict = &v
	}
	return s, nil
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return scanSubmission(r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
}

type SubmissionFilters struct {
	Status  string
	ActorID string
	Limit   int
}

// ListSubmissions returns recent submissions, newest first.
func (r Repo) ListSubmissions(ctx context.Context, f SubmissionFilters) ([]domain.Submission, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
