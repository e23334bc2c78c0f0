package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const paymentColumns = `id, client_id, account_name, status, payment_batch_id,
	recipient_address, amount, payment_id, failure_reason, created_at, updated_at`

const batchColumns = `id, account_name, status, pr_idempotency_key, unsigned_tx_json,
	signed_tx_json, error_message, retry_count, mined_height, mined_header_hash,
	mined_timestamp, created_at, updated_at`

// PostgresStore implements Store over a payments/payment_batches schema.
// Schema migrations are managed externally.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open dials the database and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStore(db), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p       Payment
		status  string
		batchID sql.NullString
		payID   sql.NullString
		reason  sql.NullString
	)
	err := row.Scan(&p.ID, &p.ClientID, &p.AccountName, &status, &batchID,
		&p.RecipientAddress, &p.Amount, &payID, &reason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Status, err = ParsePaymentStatus(status); err != nil {
		return nil, err
	}
	p.PaymentBatchID = nullableString(batchID)
	p.PaymentID = nullableString(payID)
	p.FailureReason = nullableString(reason)
	return &p, nil
}

func scanBatch(row rowScanner) (*PaymentBatch, error) {
	var (
		b          PaymentBatch
		status     string
		unsigned   sql.NullString
		signed     sql.NullString
		errMsg     sql.NullString
		height     sql.NullInt64
		headerHash sql.NullString
		timestamp  sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.AccountName, &status, &b.PRIdempotencyKey, &unsigned,
		&signed, &errMsg, &b.RetryCount, &height, &headerHash, &timestamp,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if b.Status, err = ParseBatchStatus(status); err != nil {
		return nil, err
	}
	b.UnsignedTxJSON = nullableString(unsigned)
	b.SignedTxJSON = nullableString(signed)
	b.ErrorMessage = nullableString(errMsg)
	b.MinedHeight = nullableInt64(height)
	b.MinedHeaderHash = nullableString(headerHash)
	b.MinedTimestamp = nullableInt64(timestamp)
	return &b, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p NewPayment) (*Payment, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, client_id, account_name, status, recipient_address,
			amount, payment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+paymentColumns,
		uuid.NewString(), p.ClientID, p.AccountName, string(PaymentStatusReceived),
		p.RecipientAddress, p.Amount, p.PaymentID, now)
	created, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetPaymentByID(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) GetPaymentByClientKey(ctx context.Context, clientID, accountName string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE client_id = $1 AND account_name = $2`,
		clientID, accountName)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) GetPaymentWithBatch(ctx context.Context, id string) (*Payment, *PaymentBatch, error) {
	p, err := s.GetPaymentByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if p.PaymentBatchID == nil {
		return p, nil, nil
	}
	b, err := s.GetBatchByID(ctx, *p.PaymentBatchID)
	if err != nil {
		return nil, nil, err
	}
	return p, b, nil
}

func (s *PostgresStore) FindReceivablePayments(ctx context.Context, limit int) ([]Payment, error) {
	return s.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(PaymentStatusReceived), limit)
}

func (s *PostgresStore) FindPaymentsByStatus(ctx context.Context, status PaymentStatus) ([]Payment, error) {
	return s.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY created_at`,
		string(status))
}

func (s *PostgresStore) FindPaymentsByBatch(ctx context.Context, batchID string) ([]Payment, error) {
	return s.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payment_batch_id = $1 ORDER BY created_at`,
		batchID)
}

func (s *PostgresStore) queryPayments(ctx context.Context, query string, args ...any) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateBatchWithPayments(ctx context.Context, accountName, prIdempotencyKey string, paymentIDs []string) (*PaymentBatch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch creation: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO payment_batches (id, account_name, status, pr_idempotency_key,
			retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		RETURNING `+batchColumns,
		uuid.NewString(), accountName, string(BatchStatusPendingBatching), prIdempotencyKey, now)
	batch, err := scanBatch(row)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	// The id list is expanded server-side so the whole membership moves in
	// one statement. Only RECEIVED payments are eligible; a shortfall in
	// matched rows means a listed payment was already claimed elsewhere.
	res, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, payment_batch_id = $2, updated_at = $3
		WHERE status = $4 AND id IN (SELECT json_array_elements_text($5::json))`,
		string(PaymentStatusBatched), batch.ID, now,
		string(PaymentStatusReceived), mustJSONIDs(paymentIDs))
	if err != nil {
		return nil, fmt.Errorf("attach payments to batch: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n != int64(len(paymentIDs)) {
		return nil, fmt.Errorf("%w: %d of %d payments not in %s",
			ErrConflict, int64(len(paymentIDs))-n, len(paymentIDs), PaymentStatusReceived)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch creation: %w", err)
	}
	return batch, nil
}

func (s *PostgresStore) GetBatchByID(ctx context.Context, id string) (*PaymentBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM payment_batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *PostgresStore) FindBatchesByStatus(ctx context.Context, status BatchStatus) ([]PaymentBatch, error) {
	return s.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM payment_batches WHERE status = $1 ORDER BY created_at`,
		string(status))
}

func (s *PostgresStore) FindStaleSigning(ctx context.Context, cutoff time.Time) ([]PaymentBatch, error) {
	return s.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM payment_batches WHERE status = $1 AND updated_at < $2 ORDER BY created_at`,
		string(BatchStatusSigningInProgress), cutoff.UTC())
}

func (s *PostgresStore) queryBatches(ctx context.Context, query string, args ...any) ([]PaymentBatch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []PaymentBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// batchUpdateSQL renders the SET clause for a partial batch update.
// updated_at is always touched regardless of which fields are set.
func batchUpdateSQL(upd BatchUpdate, args *[]any) string {
	var sets []string
	bind := func(clause string, v any) {
		*args = append(*args, v)
		sets = append(sets, fmt.Sprintf(clause, len(*args)))
	}

	bind("updated_at = $%d", time.Now().UTC())
	if upd.Status != nil {
		bind("status = $%d", string(*upd.Status))
	}
	if upd.UnsignedTxJSON != nil {
		bind("unsigned_tx_json = $%d", *upd.UnsignedTxJSON)
	}
	if upd.SignedTxJSON != nil {
		bind("signed_tx_json = $%d", *upd.SignedTxJSON)
	}
	if upd.ErrorMessage != nil {
		bind("error_message = $%d", *upd.ErrorMessage)
	}
	if upd.MinedHeight != nil {
		bind("mined_height = $%d", *upd.MinedHeight)
	}
	if upd.MinedHeaderHash != nil {
		bind("mined_header_hash = $%d", *upd.MinedHeaderHash)
	}
	if upd.MinedTimestamp != nil {
		bind("mined_timestamp = $%d", *upd.MinedTimestamp)
	}
	if upd.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	return strings.Join(sets, ", ")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateBatch(ctx context.Context, db execer, id string, upd BatchUpdate) error {
	var args []any
	set := batchUpdateSQL(upd, &args)
	args = append(args, id)
	res, err := db.ExecContext(ctx,
		fmt.Sprintf("UPDATE payment_batches SET %s WHERE id = $%d", set, len(args)), args...)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateBatch(ctx context.Context, id string, upd BatchUpdate) error {
	return updateBatch(ctx, s.db, id, upd)
}

func (s *PostgresStore) TransitionBatch(ctx context.Context, id string, from, to BatchStatus, upd BatchUpdate) error {
	upd.Status = &to
	var args []any
	set := batchUpdateSQL(upd, &args)
	args = append(args, id, string(from))
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE payment_batches SET %s WHERE id = $%d AND status = $%d",
			set, len(args)-1, len(args)), args...)
	if err != nil {
		return fmt.Errorf("transition batch: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: batch %s is not %s", ErrConflict, id, from)
	}
	return nil
}

func (s *PostgresStore) FailBatch(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch failure: %w", err)
	}
	defer tx.Rollback()

	if err := failBatchTx(ctx, tx, id, reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch failure: %w", err)
	}
	return nil
}

func failBatchTx(ctx context.Context, tx *sql.Tx, id, reason string) error {
	failed := BatchStatusFailed
	if err := updateBatch(ctx, tx, id, BatchUpdate{Status: &failed, ErrorMessage: &reason}); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, failure_reason = $2, updated_at = $3
		WHERE payment_batch_id = $4 AND status <> $5`,
		string(PaymentStatusFailed), reason, time.Now().UTC(), id,
		string(PaymentStatusConfirmed))
	if err != nil {
		return fmt.Errorf("fail batch payments: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementBatchRetry(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retry increment: %w", err)
	}
	defer tx.Rollback()

	var retryCount int64
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count FROM payment_batches WHERE id = $1 FOR UPDATE`, id).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("read retry count: %w", err)
	}

	if retryCount+1 >= MaxRetries {
		if err := failBatchTx(ctx, tx, id, reason); err != nil {
			return err
		}
	} else if err := updateBatch(ctx, tx, id, BatchUpdate{IncrementRetry: true}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retry increment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConfirmBatch(ctx context.Context, id string, minedHeight uint64, headerHash []byte, minedTimestamp uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch confirmation: %w", err)
	}
	defer tx.Rollback()

	height := int64(minedHeight)
	hash := hex.EncodeToString(headerHash)
	ts := int64(minedTimestamp)
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_batches
		SET status = $1, mined_height = $2, mined_header_hash = $3,
			mined_timestamp = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(BatchStatusConfirmed), height, hash, ts, now, id,
		string(BatchStatusAwaitingConfirmation))
	if err != nil {
		return fmt.Errorf("confirm batch: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: batch %s is not %s", ErrConflict, id, BatchStatusAwaitingConfirmation)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, updated_at = $2
		WHERE payment_batch_id = $3`,
		string(PaymentStatusConfirmed), now, id)
	if err != nil {
		return fmt.Errorf("confirm batch payments: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch confirmation: %w", err)
	}
	return nil
}

func mustJSONIDs(ids []string) string {
	b, err := json.Marshal(ids)
	if err != nil {
		// A []string cannot fail to marshal.
		panic(err)
	}
	return string(b)
}
