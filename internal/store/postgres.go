package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/dealrecon/internal/domain"
)

var ErrNotFound = errors.New("record not found")

const uniqueViolation = "23505"

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// UpsertGatewayEvent records a webhook event idempotently keyed on session id.
// A replayed event updates the status but never duplicates the row. Returns
// the payment id and whether a new row was created.
func (s *Store) UpsertGatewayEvent(ctx context.Context, ev domain.GatewayEvent, phase domain.PaymentPhase, scheduleTag domain.ScheduleType) (int64, bool, error) {
	var id int64
	var inserted bool
	err := s.Db.QueryRow(ctx, `
		INSERT INTO gateway_payments
			(session_id, deal_id, product_ref, phase, currency, amount, status, schedule_tag, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE
			SET status = EXCLUDED.status
		RETURNING id, (xmax = 0)`,
		ev.SessionID, ev.DealID, ev.ProductRef, phase, ev.Currency,
		ev.Amount(), ev.PaymentStatus, scheduleTag, ev.CreatedAt(),
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("gateway event upsert failed: %w", err)
	}
	return id, inserted, nil
}

// GatewayPaymentsByDeal returns every gateway payment for the deal, oldest
// capture first.
func (s *Store) GatewayPaymentsByDeal(ctx context.Context, dealID int64) ([]domain.GatewayPayment, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT id, session_id, deal_id, COALESCE(product_ref, ''), phase, currency,
		       amount, COALESCE(report_amount, 0), COALESCE(exchange_rate, 0),
		       COALESCE(rate_source, ''), status, COALESCE(schedule_tag, ''), captured_at
		FROM gateway_payments
		WHERE deal_id = $1
		ORDER BY captured_at ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.GatewayPayment
	for rows.Next() {
		var p domain.GatewayPayment
		if err := rows.Scan(&p.ID, &p.SessionID, &p.DealID, &p.ProductRef, &p.Phase, &p.Currency,
			&p.Amount, &p.ReportAmount, &p.ExchangeRate, &p.RateSource, &p.Status, &p.ScheduleTag, &p.CapturedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// LedgerPaymentsByDeal joins bank statement lines to the deal through its
// documents, matching either the direct document link or the free-text
// document number.
func (s *Store) LedgerPaymentsByDeal(ctx context.Context, dealID int64) ([]domain.LedgerPayment, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT lp.id, lp.operation_date, lp.amount, lp.currency, COALESCE(lp.payer_name, ''),
		       lp.direction, COALESCE(lp.document_id, 0), COALESCE(lp.document_number, ''),
		       COALESCE(lp.review_status, '')
		FROM ledger_payments lp
		JOIN documents d ON d.id = lp.document_id OR d.number = lp.document_number
		WHERE d.deal_id = $1 AND d.status <> 'deleted'
		ORDER BY lp.operation_date ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.LedgerPayment
	for rows.Next() {
		var p domain.LedgerPayment
		if err := rows.Scan(&p.ID, &p.OperationDate, &p.Amount, &p.Currency, &p.PayerName,
			&p.Direction, &p.DocumentID, &p.DocumentNumber, &p.ReviewStatus); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) CashPaymentsByDeal(ctx context.Context, dealID int64) ([]domain.CashPayment, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT cp.id, cp.document_id, cp.expected_amount, cp.received_amount, cp.confirmed, cp.confirmed_at
		FROM cash_payments cp
		JOIN documents d ON d.id = cp.document_id
		WHERE d.deal_id = $1 AND d.status <> 'deleted'
		ORDER BY cp.id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.CashPayment
	for rows.Next() {
		var p domain.CashPayment
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.ExpectedAmount, &p.ReceivedAmount, &p.Confirmed, &p.ConfirmedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) RefundsByDeal(ctx context.Context, dealID int64) ([]domain.RefundRecord, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT r.id, r.payment_id, r.amount, r.currency, r.logged_at
		FROM refunds r
		JOIN gateway_payments gp ON gp.id = r.payment_id
		WHERE gp.deal_id = $1
		ORDER BY r.logged_at ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []domain.RefundRecord
	for rows.Next() {
		var r domain.RefundRecord
		if err := rows.Scan(&r.ID, &r.PaymentID, &r.Amount, &r.Currency, &r.LoggedAt); err != nil {
			return nil, err
		}
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

func (s *Store) DocumentsByDeal(ctx context.Context, dealID int64) ([]domain.CommercialDocument, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT id, number, currency, face_amount, paid_total, paid_total_report_ccy, paid_count, status
		FROM documents
		WHERE deal_id = $1 AND status <> 'deleted'
		ORDER BY id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []domain.CommercialDocument
	for rows.Next() {
		var d domain.CommercialDocument
		if err := rows.Scan(&d.ID, &d.Number, &d.Currency, &d.FaceAmount, &d.PaidTotal, &d.PaidTotalReport, &d.PaidCount, &d.Status); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ConfirmationsByDeal returns verified external confirmations for the deal's
// gateway payments, keyed by session id.
func (s *Store) ConfirmationsByDeal(ctx context.Context, dealID int64) (map[string]domain.Confirmation, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT c.id, c.session_id, c.verified, c.verified_at
		FROM confirmations c
		JOIN gateway_payments gp ON gp.session_id = c.session_id
		WHERE gp.deal_id = $1`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	confirmations := make(map[string]domain.Confirmation)
	for rows.Next() {
		var c domain.Confirmation
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Verified, &c.VerifiedAt); err != nil {
			return nil, err
		}
		confirmations[c.SessionID] = c
	}
	return confirmations, rows.Err()
}

// CacheGatewayRate freezes a looked-up conversion on the payment row. The
// write is guarded so an already-stored amount is never overwritten.
func (s *Store) CacheGatewayRate(ctx context.Context, paymentID int64, reportAmount, rate decimal.Decimal, strategy string) error {
	_, err := s.Db.Exec(ctx, `
		UPDATE gateway_payments
		SET report_amount = $1, exchange_rate = $2, rate_source = $3
		WHERE id = $4 AND (exchange_rate IS NULL OR exchange_rate = 0)`,
		reportAmount, rate, strategy, paymentID)
	if err != nil {
		return fmt.Errorf("rate cache update failed: %w", err)
	}
	return nil
}

// RefreshDocumentAggregates recomputes the derived paid fields of every
// document on the deal from live payment rows. Runs in one transaction so a
// reader never sees a half-refreshed document.
func (s *Store) RefreshDocumentAggregates(ctx context.Context, dealID int64) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE documents d SET
			paid_total = agg.total,
			paid_total_report_ccy = agg.total_report,
			paid_count = agg.cnt
		FROM (
			SELECT d2.id AS doc_id,
			       COALESCE(SUM(src.amount), 0) AS total,
			       COALESCE(SUM(src.report_amount), 0) AS total_report,
			       COUNT(src.amount) AS cnt
			FROM documents d2
			LEFT JOIN LATERAL (
				SELECT gp.amount, COALESCE(gp.report_amount, 0) AS report_amount
				FROM gateway_payments gp
				WHERE gp.document_id = d2.id AND gp.status = 'paid'
				UNION ALL
				SELECT lp.amount, lp.amount
				FROM ledger_payments lp
				WHERE (lp.document_id = d2.id OR lp.document_number = d2.number)
				  AND lp.direction = 'in'
				  AND COALESCE(lp.review_status, '') <> 'rejected'
				UNION ALL
				SELECT cp.received_amount, cp.received_amount
				FROM cash_payments cp
				WHERE cp.document_id = d2.id AND cp.confirmed
			) src ON true
			WHERE d2.deal_id = $1 AND d2.status <> 'deleted'
			GROUP BY d2.id
		) agg
		WHERE d.id = agg.doc_id`, dealID)
	if err != nil {
		return fmt.Errorf("document aggregate refresh failed: %w", err)
	}

	return tx.Commit(ctx)
}

// DealIDs lists every deal id known to the payment tables, for batch sweeps.
func (s *Store) DealIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT deal_id FROM gateway_payments
		UNION
		SELECT deal_id FROM documents
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
