package saga

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
)

// PostgresStore реализация Store поверх PostgreSQL через pgxpool.
// Оптимистичная блокировка выражена условием version = $expected в
// UPDATE: при гонке обновляется ноль строк и Save возвращает
// VERSION_CONFLICT вместо перезаписи.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создает хранилище поверх существующего пула.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const instanceColumns = `
	correlation_id, current_state, user_id, subscription_id, amount, currency,
	order_id, order_description, ip_address, payment_url, payment_url_created,
	payment_completed, transaction_id, completed_at, subscription_activated,
	user_subscription_id, start_date, end_date, failure_reason, failed_at,
	retry_count, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, inst *Instance) error {
	query := `
		INSERT INTO saga_instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`
	_, err := s.pool.Exec(ctx, query,
		inst.CorrelationID, string(inst.CurrentState), inst.UserID, inst.SubscriptionID,
		inst.Amount, inst.Currency, inst.OrderID, inst.OrderDescription, inst.IPAddress,
		nullable(inst.PaymentURL), inst.PaymentURLCreated, inst.PaymentCompleted,
		nullable(inst.TransactionID), inst.CompletedAt, inst.SubscriptionActivated,
		nullable(inst.UserSubscriptionID), inst.StartDate, inst.EndDate,
		nullable(inst.FailureReason), inst.FailedAt, inst.RetryCount,
		int64(1), inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return core.Wrap(err, core.ErrAlreadyExists, "saga instance already exists: "+inst.CorrelationID)
		}
		return core.Wrap(err, core.ErrStorage, "failed to insert saga instance")
	}
	inst.Version = 1
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, correlationID string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM saga_instances WHERE correlation_id = $1`
	inst, err := scanInstance(s.pool.QueryRow(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewError(core.ErrNotFound, "saga instance not found: "+correlationID)
		}
		return nil, core.Wrap(err, core.ErrStorage, "failed to load saga instance")
	}
	return inst, nil
}

func (s *PostgresStore) Save(ctx context.Context, inst *Instance, expectedVersion int64) error {
	query := `
		UPDATE saga_instances SET
			current_state = $2, payment_url = $3, payment_url_created = $4,
			payment_completed = $5, transaction_id = $6, completed_at = $7,
			subscription_activated = $8, user_subscription_id = $9,
			start_date = $10, end_date = $11, failure_reason = $12,
			failed_at = $13, retry_count = $14, version = $15, updated_at = $16
		WHERE correlation_id = $1 AND version = $17
	`
	tag, err := s.pool.Exec(ctx, query,
		inst.CorrelationID, string(inst.CurrentState),
		nullable(inst.PaymentURL), inst.PaymentURLCreated,
		inst.PaymentCompleted, nullable(inst.TransactionID), inst.CompletedAt,
		inst.SubscriptionActivated, nullable(inst.UserSubscriptionID),
		inst.StartDate, inst.EndDate, nullable(inst.FailureReason),
		inst.FailedAt, inst.RetryCount, expectedVersion+1, inst.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return core.Wrap(err, core.ErrStorage, "failed to update saga instance")
	}
	if tag.RowsAffected() == 0 {
		// Либо запись исчезла, либо версия ушла вперёд. Различаем,
		// чтобы вызывающий получил честный код ошибки.
		if _, loadErr := s.Load(ctx, inst.CorrelationID); loadErr != nil {
			return loadErr
		}
		return core.NewError(core.ErrVersionConflict, "version conflict for saga "+inst.CorrelationID)
	}
	inst.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM saga_instances
		WHERE current_state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	return s.queryInstances(ctx, query, string(StatePaymentPending), cutoff, limit)
}

func (s *PostgresStore) ListFailedCaptured(ctx context.Context, limit int) ([]*Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM saga_instances
		WHERE current_state = $1 AND payment_completed = true
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return s.queryInstances(ctx, query, string(StateFailed), limit)
}

// HasActiveSubscription проверяет, есть ли у пользователя завершенная
// сага с неистёкшей подпиской. Реализует domain.ActiveSubscriptionChecker
// поверх собственной таблицы, когда внешний сервис подписок недоступен.
func (s *PostgresStore) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM saga_instances
			WHERE user_id = $1
			  AND subscription_activated = true
			  AND end_date > now()
		)
	`
	var active bool
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&active); err != nil {
		return false, core.Wrap(err, core.ErrStorage, "failed to check active subscription")
	}
	return active, nil
}

func (s *PostgresStore) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*Instance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.Wrap(err, core.ErrStorage, "failed to query saga instances")
	}
	defer rows.Close()

	var result []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, core.Wrap(err, core.ErrStorage, "failed to scan saga instance")
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(err, core.ErrStorage, "failed to iterate saga instances")
	}
	return result, nil
}

// rowScanner общий интерфейс pgx.Row и pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var state string
	var paymentURL, transactionID, userSubscriptionID, failureReason *string
	err := row.Scan(
		&inst.CorrelationID, &state, &inst.UserID, &inst.SubscriptionID,
		&inst.Amount, &inst.Currency, &inst.OrderID, &inst.OrderDescription,
		&inst.IPAddress, &paymentURL, &inst.PaymentURLCreated,
		&inst.PaymentCompleted, &transactionID, &inst.CompletedAt,
		&inst.SubscriptionActivated, &userSubscriptionID, &inst.StartDate,
		&inst.EndDate, &failureReason, &inst.FailedAt, &inst.RetryCount,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.CurrentState = State(state)
	inst.PaymentURL = deref(paymentURL)
	inst.TransactionID = deref(transactionID)
	inst.UserSubscriptionID = deref(userSubscriptionID)
	inst.FailureReason = deref(failureReason)
	return &inst, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
