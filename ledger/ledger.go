// Package ledger keeps user balances. Every balance mutation is a grouped
// commit of the new balance, an append-only transaction record and, for
// top-ups, the anti-replay marker of the external payment id.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
)

// DefaultTopUps are the accepted credit amounts in major ETB units.
var DefaultTopUps = []types.Money{
	types.ETB(50_00),
	types.ETB(100_00),
	types.ETB(200_00),
	types.ETB(500_00),
	types.ETB(1000_00),
}

// DefaultHistoryLimit is used when GetTransactionHistory gets limit <= 0.
const DefaultHistoryLimit = 10

var errInsufficient = errors.New("insufficient balance")

// Ledger is the balance service.
type Ledger struct {
	store    store.Store
	locker   lock.Locker
	plugins  *plugin.Registry
	logger   *slog.Logger
	currency string
	topUps   []types.Money
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAllowedTopUps replaces the accepted credit amounts.
func WithAllowedTopUps(amounts ...types.Money) Option {
	return func(l *Ledger) {
		l.topUps = append([]types.Money(nil), amounts...)
	}
}

// WithCurrency sets the single currency the ledger accepts.
func WithCurrency(currency string) Option {
	return func(l *Ledger) {
		l.currency = types.Zero(currency).Currency
	}
}

// WithLocker replaces the in-process per-user lock, e.g. with a
// redislock.Locker when several nodes share a database.
func WithLocker(locker lock.Locker) Option {
	return func(l *Ledger) {
		l.locker = locker
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithPlugins sets the registry that receives ledger hooks.
func WithPlugins(r *plugin.Registry) Option {
	return func(l *Ledger) {
		l.plugins = r
	}
}

// New creates a Ledger on s.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    s,
		locker:   lock.NewLocal(),
		logger:   slog.Default(),
		currency: types.DefaultCurrency,
		topUps:   DefaultTopUps,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Currency returns the ledger's currency code.
func (l *Ledger) Currency() string { return l.currency }

// AllowedTopUps returns a copy of the accepted credit amounts.
func (l *Ledger) AllowedTopUps() []types.Money {
	return append([]types.Money(nil), l.topUps...)
}

// GetBalance returns the current balance, or tally.ErrNotFound if the user
// has never been credited.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (types.Money, error) {
	a, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return types.Money{}, err
	}
	return a.Balance, nil
}

// IsTransactionUsed reports whether the external payment id was already
// credited for provider.
func (l *Ledger) IsTransactionUsed(ctx context.Context, externalTxID, provider string) (bool, error) {
	return l.store.ExistsUsedTransaction(ctx, externalTxID, provider)
}

// GetTransactionHistory returns up to limit records, newest first.
func (l *Ledger) GetTransactionHistory(ctx context.Context, userID string, limit int) ([]*account.Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return l.store.ListTransactions(ctx, userID, limit)
}

// Credit applies a verified top-up. The amount must be one of the allowed
// top-ups and (externalTxID, provider) must not have been credited before.
// The account is created on first credit.
func (l *Ledger) Credit(ctx context.Context, userID string, amount types.Money, externalTxID, provider string) (*account.Transaction, error) {
	if err := l.validateUser(userID); err != nil {
		return nil, err
	}
	if err := l.validateAmount(amount); err != nil {
		return nil, err
	}
	if !l.isAllowedTopUp(amount) {
		return nil, tally.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("%s is not an allowed top-up", amount),
			Err:     tally.ErrInvalidAmount,
		}
	}
	if externalTxID == "" || provider == "" {
		return nil, tally.ValidationError{Field: "external_tx_id", Message: "external id and provider are required", Err: tally.ErrInvalidInput}
	}

	used, err := l.store.ExistsUsedTransaction(ctx, externalTxID, provider)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, l.duplicate(externalTxID, provider)
	}

	rec := l.newRecord(userID, account.TxCredit, amount, provider)
	rec.ExternalID = externalTxID

	err = l.mutate(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		// The pre-check above is advisory; this one runs inside the commit.
		used, err := tx.ExistsUsedTransaction(ctx, externalTxID, provider)
		if err != nil {
			return err
		}
		if used {
			return tally.ErrDuplicateTransaction
		}

		acct, err := l.loadOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.Touch()
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, rec); err != nil {
			return err
		}
		return tx.InsertUsedTransaction(ctx, &account.UsedTransaction{
			ExternalID:    externalTxID,
			Provider:      provider,
			UserID:        userID,
			TransactionID: rec.ID,
			CreatedAt:     rec.Timestamp,
		})
	})
	if errors.Is(err, tally.ErrDuplicateTransaction) || errors.Is(err, tally.ErrAlreadyExists) {
		return nil, l.duplicate(externalTxID, provider)
	}
	if err != nil {
		return nil, err
	}

	l.logger.Info("ledger: credited",
		"user_id", userID,
		"amount", amount.String(),
		"provider", provider,
		"external_id", externalTxID,
	)
	l.plugins.EmitCredited(ctx, rec)
	return rec, nil
}

// Debit charges amount for jobRef. It returns false, and changes nothing,
// when the balance is below amount. A user with no account has a zero
// balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount types.Money, jobRef string) (bool, error) {
	if err := l.validateUser(userID); err != nil {
		return false, err
	}
	if err := l.validateAmount(amount); err != nil {
		return false, err
	}

	rec := l.newRecord(userID, account.TxDebit, amount, account.ProviderJob)
	rec.Reference = jobRef

	err := l.mutate(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.GetAccountForUpdate(ctx, userID)
		if tally.IsNotFound(err) {
			return errInsufficient
		}
		if err != nil {
			return err
		}
		if acct.Balance.LessThan(amount) {
			return errInsufficient
		}
		acct.Balance = acct.Balance.Subtract(amount)
		acct.Touch()
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, rec)
	})
	if errors.Is(err, errInsufficient) {
		l.logger.Debug("ledger: insufficient balance",
			"user_id", userID,
			"amount", amount.String(),
			"job_ref", jobRef,
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.logger.Info("ledger: debited",
		"user_id", userID,
		"amount", amount.String(),
		"job_ref", jobRef,
	)
	l.plugins.EmitDebited(ctx, rec)
	return true, nil
}

// Refund returns amount for a failed job. It writes a credit record tagged
// with jobRef and leaves the anti-replay markers untouched.
func (l *Ledger) Refund(ctx context.Context, userID string, amount types.Money, jobRef string) (*account.Transaction, error) {
	if err := l.validateUser(userID); err != nil {
		return nil, err
	}
	if err := l.validateAmount(amount); err != nil {
		return nil, err
	}

	rec := l.newRecord(userID, account.TxCredit, amount, account.ProviderRefund)
	rec.Reference = jobRef

	err := l.mutate(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		acct, err := l.loadOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.Touch()
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("ledger: refunded",
		"user_id", userID,
		"amount", amount.String(),
		"job_ref", jobRef,
	)
	l.plugins.EmitRefunded(ctx, rec)
	return rec, nil
}

// mutate holds the user's lock around one grouped commit. Errors other than
// the ledger's own decisions are reported as tally.ErrCommitFailed.
func (l *Ledger) mutate(ctx context.Context, userID string, fn func(ctx context.Context, tx store.Tx) error) error {
	unlock, err := l.locker.Lock(ctx, "user:"+userID)
	if err != nil {
		return err
	}
	defer unlock()

	err = l.store.WithTx(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errInsufficient),
		errors.Is(err, tally.ErrDuplicateTransaction),
		errors.Is(err, tally.ErrAlreadyExists):
		return err
	default:
		l.logger.Error("ledger: commit failed",
			"user_id", userID,
			"error", err,
		)
		return fmt.Errorf("%w: %w", tally.ErrCommitFailed, err)
	}
}

func (l *Ledger) loadOrCreate(ctx context.Context, tx store.Tx, userID string) (*account.Account, error) {
	acct, err := tx.GetAccountForUpdate(ctx, userID)
	if tally.IsNotFound(err) {
		return &account.Account{
			Entity:  types.NewEntity(),
			UserID:  userID,
			Balance: types.Zero(l.currency),
		}, nil
	}
	return acct, err
}

func (l *Ledger) newRecord(userID string, typ account.TxType, amount types.Money, provider string) *account.Transaction {
	return &account.Transaction{
		ID:        id.NewTransactionID(),
		UserID:    userID,
		Type:      typ,
		Amount:    amount,
		Provider:  provider,
		Status:    account.TxCompleted,
		Timestamp: l.now(),
	}
}

func (l *Ledger) validateUser(userID string) error {
	if userID == "" {
		return tally.ValidationError{Field: "user_id", Message: "must not be empty", Err: tally.ErrInvalidInput}
	}
	return nil
}

func (l *Ledger) validateAmount(amount types.Money) error {
	if !amount.IsPositive() {
		return tally.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("must be positive, got %s", amount),
			Err:     tally.ErrInvalidAmount,
		}
	}
	if !amount.SameCurrency(types.Zero(l.currency)) {
		return tally.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("currency %q, ledger uses %q", amount.Currency, l.currency),
			Err:     tally.ErrCurrencyMismatch,
		}
	}
	return nil
}

func (l *Ledger) isAllowedTopUp(amount types.Money) bool {
	for _, a := range l.topUps {
		if a.Equal(amount) {
			return true
		}
	}
	return false
}

func (l *Ledger) duplicate(externalTxID, provider string) error {
	l.logger.Warn("ledger: duplicate top-up rejected",
		"external_id", externalTxID,
		"provider", provider,
	)
	return tally.ValidationError{
		Field:   "external_tx_id",
		Message: fmt.Sprintf("%s/%s was already credited", provider, externalTxID),
		Err:     tally.ErrDuplicateTransaction,
	}
}
