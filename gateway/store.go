package gateway

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
)

const (
	SubscriptionPending   = "pending"
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionFailed    = "failed"
)

// immutable once terminal
type Payment struct {
	Id                   string
	OwnerKey             string
	RemoteSubscriptionId string
	Amount               int64
	Currency             string
	Description          string
	Status               string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Subscription struct {
	Id            string
	OwnerKey      string
	RemoteId      string
	Amount        int64
	Currency      string
	Frequency     Calendar
	Status        string
	AuthToken     string
	LastPaymentAt time.Time
	NextPaymentAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the durable record of subscriptions and individual payment
// attempts. Status transitions are guarded in the UPDATE predicates so that
// terminal rows never move again; re-running any sweep is a no-op.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db: db,
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (self *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		owner_key TEXT NOT NULL,
		remote_subscription_id TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_owner ON payments(owner_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_payments_subscription ON payments(owner_key, remote_subscription_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status, created_at);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		owner_key TEXT NOT NULL,
		remote_id TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		frequency TEXT NOT NULL,
		status TEXT NOT NULL,
		auth_token TEXT NOT NULL DEFAULT '',
		last_payment_at INTEGER,
		next_payment_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_owner ON subscriptions(owner_key);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_remote ON subscriptions(owner_key, remote_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(status, next_payment_at);
	`
	_, err := self.db.Exec(schema)
	return err
}

func (self *Store) Close() error {
	return self.db.Close()
}

func (self *Store) CreatePayment(payment *Payment) error {
	now := time.Now()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = payment.CreatedAt
	}
	if payment.Status == "" {
		payment.Status = PaymentPending
	}

	_, err := self.db.Exec(
		`INSERT INTO payments
		(id, owner_key, remote_subscription_id, amount, currency, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.Id,
		payment.OwnerKey,
		payment.RemoteSubscriptionId,
		payment.Amount,
		payment.Currency,
		payment.Description,
		payment.Status,
		payment.CreatedAt.Unix(),
		payment.UpdatedAt.Unix(),
	)
	return err
}

// UpdatePaymentStatus transitions a pending payment. Terminal statuses are
// monotonic: a completed or failed row is left untouched and false is
// returned.
func (self *Store) UpdatePaymentStatus(paymentId string, status string, now time.Time) (bool, error) {
	result, err := self.db.Exec(
		`UPDATE payments SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status,
		now.Unix(),
		paymentId,
		PaymentPending,
	)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return 0 < count, nil
}

// nil when absent
func (self *Store) GetPayment(paymentId string) (*Payment, error) {
	row := self.db.QueryRow(
		`SELECT id, owner_key, remote_subscription_id, amount, currency, description, status, created_at, updated_at
		FROM payments WHERE id = ?`,
		paymentId,
	)
	payment, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return payment, err
}

func (self *Store) ListPaymentsByOwner(ownerKey string) ([]*Payment, error) {
	rows, err := self.db.Query(
		`SELECT id, owner_key, remote_subscription_id, amount, currency, description, status, created_at, updated_at
		FROM payments WHERE owner_key = ? ORDER BY created_at DESC, id DESC`,
		ownerKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []*Payment{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// newest first
func (self *Store) ListRecentPayments(ownerKey string, remoteSubscriptionId string, limit int) ([]*Payment, error) {
	rows, err := self.db.Query(
		`SELECT id, owner_key, remote_subscription_id, amount, currency, description, status, created_at, updated_at
		FROM payments WHERE owner_key = ? AND remote_subscription_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		ownerKey,
		remoteSubscriptionId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []*Payment{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// MarkStalePendingPayments fails pending payments created before `olderThan`,
// bounding growth from payments whose terminal notification was lost.
func (self *Store) MarkStalePendingPayments(olderThan time.Time, now time.Time) (int, error) {
	result, err := self.db.Exec(
		`UPDATE payments SET status = ?, updated_at = ?
		WHERE status = ? AND created_at < ?`,
		PaymentFailed,
		now.Unix(),
		PaymentPending,
		olderThan.Unix(),
	)
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	return int(count), err
}

func (self *Store) CreateSubscription(subscription *Subscription) error {
	now := time.Now()
	if subscription.CreatedAt.IsZero() {
		subscription.CreatedAt = now
	}
	if subscription.UpdatedAt.IsZero() {
		subscription.UpdatedAt = subscription.CreatedAt
	}
	if subscription.Status == "" {
		subscription.Status = SubscriptionPending
	}

	_, err := self.db.Exec(
		`INSERT INTO subscriptions
		(id, owner_key, remote_id, amount, currency, frequency, status, auth_token, last_payment_at, next_payment_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.Id,
		subscription.OwnerKey,
		subscription.RemoteId,
		subscription.Amount,
		subscription.Currency,
		subscription.Frequency.String(),
		subscription.Status,
		subscription.AuthToken,
		nullableUnix(subscription.LastPaymentAt),
		nullableUnix(subscription.NextPaymentAt),
		subscription.CreatedAt.Unix(),
		subscription.UpdatedAt.Unix(),
	)
	return err
}

type SubscriptionUpdate struct {
	NextPaymentAt *time.Time
	RemoteId      *string
}

// UpdateSubscriptionStatus transitions a non-terminal subscription,
// optionally setting nextPaymentAt and the remote id in the same step.
// Cancelled and failed are terminal: the row is left untouched and false
// returned.
func (self *Store) UpdateSubscriptionStatus(subscriptionId string, status string, update *SubscriptionUpdate, now time.Time) (bool, error) {
	query := `UPDATE subscriptions SET status = ?, updated_at = ?`
	args := []any{status, now.Unix()}
	if update != nil {
		if update.NextPaymentAt != nil {
			query += `, next_payment_at = ?`
			args = append(args, update.NextPaymentAt.Unix())
		}
		if update.RemoteId != nil {
			query += `, remote_id = ?`
			args = append(args, *update.RemoteId)
		}
	}
	query += ` WHERE id = ? AND status IN (?, ?)`
	args = append(args, subscriptionId, SubscriptionPending, SubscriptionActive)

	result, err := self.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return 0 < count, nil
}

// AdvanceSubscriptionSchedule records a successful billing cycle.
// nextPaymentAt only moves forward, and only while the subscription is
// active.
func (self *Store) AdvanceSubscriptionSchedule(subscriptionId string, lastPaymentAt time.Time, nextPaymentAt time.Time) (bool, error) {
	result, err := self.db.Exec(
		`UPDATE subscriptions SET last_payment_at = ?, next_payment_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
		AND (next_payment_at IS NULL OR next_payment_at <= ?)`,
		lastPaymentAt.Unix(),
		nextPaymentAt.Unix(),
		lastPaymentAt.Unix(),
		subscriptionId,
		SubscriptionActive,
		nextPaymentAt.Unix(),
	)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return 0 < count, nil
}

// nil when absent
func (self *Store) GetSubscription(subscriptionId string) (*Subscription, error) {
	row := self.db.QueryRow(
		subscriptionSelect+` WHERE id = ?`,
		subscriptionId,
	)
	subscription, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return subscription, err
}

// matched by remote id and owner, never by local id alone, as a defense
// against stale or forged notifications from an unrelated owner
func (self *Store) GetSubscriptionByRemoteId(ownerKey string, remoteId string) (*Subscription, error) {
	row := self.db.QueryRow(
		subscriptionSelect+` WHERE owner_key = ? AND remote_id = ?`,
		ownerKey,
		remoteId,
	)
	subscription, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return subscription, err
}

func (self *Store) ListSubscriptionsByOwner(ownerKey string) ([]*Subscription, error) {
	rows, err := self.db.Query(
		subscriptionSelect+` WHERE owner_key = ? ORDER BY created_at DESC, id DESC`,
		ownerKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// active subscriptions due at or before now
func (self *Store) ListDueSubscriptions(now time.Time) ([]*Subscription, error) {
	rows, err := self.db.Query(
		subscriptionSelect+` WHERE status = ? AND next_payment_at IS NOT NULL AND next_payment_at <= ?
		ORDER BY next_payment_at ASC, id ASC`,
		SubscriptionActive,
		now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// MarkOverdueSubscriptions fails active subscriptions whose due date fell
// more than the grace window into the past. This is the outage path, distinct
// from failure-triggered cancellation.
func (self *Store) MarkOverdueSubscriptions(olderThan time.Time, now time.Time) (int, error) {
	result, err := self.db.Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ?
		WHERE status = ? AND next_payment_at IS NOT NULL AND next_payment_at < ?`,
		SubscriptionFailed,
		now.Unix(),
		SubscriptionActive,
		olderThan.Unix(),
	)
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	return int(count), err
}

const subscriptionSelect = `SELECT id, owner_key, remote_id, amount, currency, frequency, status, auth_token, last_payment_at, next_payment_at, created_at, updated_at
	FROM subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	payment := &Payment{}
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&payment.Id,
		&payment.OwnerKey,
		&payment.RemoteSubscriptionId,
		&payment.Amount,
		&payment.Currency,
		&payment.Description,
		&payment.Status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	payment.CreatedAt = time.Unix(createdAt, 0).UTC()
	payment.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return payment, nil
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	subscription := &Subscription{}
	var frequency string
	var lastPaymentAt sql.NullInt64
	var nextPaymentAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&subscription.Id,
		&subscription.OwnerKey,
		&subscription.RemoteId,
		&subscription.Amount,
		&subscription.Currency,
		&frequency,
		&subscription.Status,
		&subscription.AuthToken,
		&lastPaymentAt,
		&nextPaymentAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	subscription.Frequency, err = ParseCalendar(frequency)
	if err != nil {
		return nil, err
	}
	if lastPaymentAt.Valid {
		subscription.LastPaymentAt = time.Unix(lastPaymentAt.Int64, 0).UTC()
	}
	if nextPaymentAt.Valid {
		subscription.NextPaymentAt = time.Unix(nextPaymentAt.Int64, 0).UTC()
	}
	subscription.CreatedAt = time.Unix(createdAt, 0).UTC()
	subscription.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return subscription, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	subscriptions := []*Subscription{}
	for rows.Next() {
		subscription, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, rows.Err()
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
