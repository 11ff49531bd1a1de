package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"shieldgate/internal/withdraw"
)

const withdrawalColumns = `request_id, user_id, from_address, to_address, amount_zat, memo,
    state, operation_id, transaction_id, fee_zat, logical_actions, risk_score,
    reason, error_code, last_error, reservation_id, created_at, updated_at, completed_at`

const (
	insertWithdrawalSQL = `INSERT INTO withdrawal_records (
        request_id, user_id, from_address, to_address, amount_zat, memo,
        state, created_at, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    ON CONFLICT (request_id) DO NOTHING;`

	updateWithdrawalSQL = `UPDATE withdrawal_records SET
        state           = $2,
        operation_id    = $3,
        transaction_id  = $4,
        fee_zat         = $5,
        logical_actions = $6,
        risk_score      = $7,
        reason          = $8,
        error_code      = $9,
        last_error      = $10,
        reservation_id  = $11,
        updated_at      = $12,
        completed_at    = $13
    WHERE request_id = $1;`

	getWithdrawalSQL = `SELECT ` + withdrawalColumns + `
    FROM withdrawal_records WHERE request_id = $1;`

	getWithdrawalByTxSQL = `SELECT ` + withdrawalColumns + `
    FROM withdrawal_records WHERE transaction_id = $1;`

	listInFlightSQL = `SELECT ` + withdrawalColumns + `
    FROM withdrawal_records
    WHERE state IN ('submitted', 'processing')
    ORDER BY created_at;`

	listRecentWithdrawalsSQL = `SELECT ` + withdrawalColumns + `
    FROM withdrawal_records
    ORDER BY created_at DESC
    LIMIT $1;`
)

// CreateRecord inserts a record, or reports the existing one when the
// request ID was already seen.
func (s *Store) CreateRecord(ctx context.Context, record withdraw.Record) (bool, withdraw.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, withdraw.Record{}, err
	}

	tag, execErr := pool.Exec(ctx, insertWithdrawalSQL,
		record.RequestID,
		record.UserID,
		record.FromAddress,
		record.ToAddress,
		record.AmountZat,
		record.Memo,
		string(record.State),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if execErr != nil {
		return false, withdraw.Record{}, fmt.Errorf("insert withdrawal record: %w", execErr)
	}
	if tag.RowsAffected() > 0 {
		return true, record, nil
	}

	existing, err := s.GetRecord(ctx, record.RequestID)
	if err != nil {
		return false, withdraw.Record{}, err
	}
	if existing == nil {
		return false, withdraw.Record{}, fmt.Errorf("withdrawal record %s vanished after conflict", record.RequestID)
	}
	return false, *existing, nil
}

// UpdateRecord persists the mutable fields of a record.
func (s *Store) UpdateRecord(ctx context.Context, record withdraw.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var completed interface{}
	if record.CompletedAt != nil {
		completed = *record.CompletedAt
	}

	tag, execErr := pool.Exec(ctx, updateWithdrawalSQL,
		record.RequestID,
		string(record.State),
		record.OperationID,
		record.TransactionID,
		record.FeeZat,
		record.LogicalActions,
		record.RiskScore,
		record.Reason,
		record.ErrorCode,
		record.LastError,
		record.ReservationID,
		record.UpdatedAt,
		completed,
	)
	if execErr != nil {
		return fmt.Errorf("update withdrawal record: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetRecord fetches a record by request ID, nil when absent.
func (s *Store) GetRecord(ctx context.Context, requestID string) (*withdraw.Record, error) {
	return s.getRecordBy(ctx, getWithdrawalSQL, requestID)
}

// GetRecordByTransactionID fetches a record by transaction ID, nil when absent.
func (s *Store) GetRecordByTransactionID(ctx context.Context, txID string) (*withdraw.Record, error) {
	if txID == "" {
		return nil, nil
	}
	return s.getRecordBy(ctx, getWithdrawalByTxSQL, txID)
}

func (s *Store) getRecordBy(ctx context.Context, query, arg string) (*withdraw.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, arg)
	if queryErr != nil {
		return nil, fmt.Errorf("get withdrawal record: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	record, scanErr := scanWithdrawal(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &record, rows.Err()
}

// ListInFlight lists records awaiting a backend terminal state.
func (s *Store) ListInFlight(ctx context.Context) ([]withdraw.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listInFlightSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list in-flight withdrawals: %w", queryErr)
	}
	defer rows.Close()

	return collectWithdrawals(rows)
}

// ListRecentRecords lists the most recent records, newest first.
func (s *Store) ListRecentRecords(ctx context.Context, limit int) ([]withdraw.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentWithdrawalsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent withdrawals: %w", queryErr)
	}
	defer rows.Close()

	return collectWithdrawals(rows)
}

func collectWithdrawals(rows pgx.Rows) ([]withdraw.Record, error) {
	records := make([]withdraw.Record, 0)
	for rows.Next() {
		record, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanWithdrawal(rows pgx.Rows) (withdraw.Record, error) {
	var (
		record    withdraw.Record
		state     string
		completed sql.NullTime
	)

	if err := rows.Scan(
		&record.RequestID,
		&record.UserID,
		&record.FromAddress,
		&record.ToAddress,
		&record.AmountZat,
		&record.Memo,
		&state,
		&record.OperationID,
		&record.TransactionID,
		&record.FeeZat,
		&record.LogicalActions,
		&record.RiskScore,
		&record.Reason,
		&record.ErrorCode,
		&record.LastError,
		&record.ReservationID,
		&record.CreatedAt,
		&record.UpdatedAt,
		&completed,
	); err != nil {
		return withdraw.Record{}, err
	}

	record.State = withdraw.State(state)
	if completed.Valid {
		t := completed.Time.UTC()
		record.CompletedAt = &t
	}
	return record, nil
}

var _ withdraw.Store = (*Store)(nil)
