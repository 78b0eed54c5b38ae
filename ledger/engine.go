/*
engine.go - Money-moving operations

PURPOSE:
  Executes peer transfers and merchant orders as atomic state transitions,
  enforcing balance and fraud checks, and drives the order lifecycle
  (settle, cancel, fail).

OPERATIONS:
  Transfer: peer-to-peer payment, completed immediately
  Order:    merchant purchase, debited up front, settled later
  Settle:   pending -> completed, invoked by the settlement worker
  Cancel:   pending -> cancelled, refunds the reserved amount
  Fail:     pending -> failed, refunds the reserved amount

CONCURRENCY:
  Every balance read-modify-write happens while the affected accounts are
  held through the Locker (ascending id order). The writes of one operation
  go through a single TxStore.WithTx call, so a failure never leaves a debit
  without its credit or a transaction without its balance change.

  The duplicate check reads recent history before the write transaction.
  Two near-simultaneous duplicates from different processes without a
  shared Locker may both pass; that race is accepted.

SEE ALSO:
  - locker.go:   KeyedMutex and the Locker contract
  - publicid.go: Public transaction ids
  - settlement/: Durable settlement jobs and the worker
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// DuplicateWindow is how far back an identical amount counts as a repeat.
	DuplicateWindow = 60 * time.Second

	// DuplicateLookback is how many of the sender's latest transactions are inspected.
	DuplicateLookback = 5
)

// SettlementScheduler arms delayed settlement for a pending order. Schedule is
// called inside the order's store transaction with the transactional view.
type SettlementScheduler interface {
	Schedule(ctx context.Context, s Store, txID TransactionID) error
}

// Engine executes ledger operations against a TxStore.
type Engine struct {
	Store      TxStore
	Locker     Locker
	Settlement SettlementScheduler
	Logger     logrus.FieldLogger

	// Now and Intn are replaceable for tests.
	Now  func() time.Time
	Intn func(n int) int

	peerMu sync.Mutex
	peerID MerchantID
}

// NewEngine creates an engine with an in-process account locker.
func NewEngine(store TxStore, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		Store:  store,
		Locker: NewKeyedMutex(),
		Logger: logger.WithField("component", "engine"),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) intn(n int) int {
	if e.Intn != nil {
		return e.Intn(n)
	}
	return rand.Intn(n)
}

// validateAmount rounds to two places and requires a positive result.
func validateAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	a := NormalizeAmount(amount)
	if !a.IsPositive() {
		return decimal.Zero, &ValidationError{Field: "amount", Message: "must be greater than 0.00"}
	}
	return a, nil
}

// =============================================================================
// TRANSFER
// =============================================================================

type TransferRequest struct {
	From   AccountID
	To     AccountID
	Amount decimal.Decimal

	// Parameters is recorded on the audit entry as given by the caller.
	Parameters string
}

type TransferResult struct {
	Transaction Transaction
	From        Account
	To          Account
}

// Transfer moves amount from one account to another.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if req.From == req.To {
		return TransferResult{}, ErrSelfTransfer
	}
	amount, err := validateAmount(req.Amount)
	if err != nil {
		return TransferResult{}, err
	}

	peerID, err := e.peerBucket(ctx)
	if err != nil {
		return TransferResult{}, err
	}

	release, err := e.Locker.LockAccounts(ctx, req.From, req.To)
	if err != nil {
		return TransferResult{}, fmt.Errorf("lock accounts: %w", err)
	}
	defer release()

	from, err := e.Store.GetAccount(ctx, req.From)
	if err != nil {
		return TransferResult{}, fmt.Errorf("sender: %w", err)
	}
	to, err := e.Store.GetAccount(ctx, req.To)
	if err != nil {
		return TransferResult{}, fmt.Errorf("recipient: %w", err)
	}

	if from.Balance.LessThan(amount) {
		return TransferResult{}, &InsufficientFundsError{AccountID: from.ID, Available: from.Balance, Requested: amount}
	}
	if err := e.checkDuplicate(ctx, from, amount); err != nil {
		return TransferResult{}, err
	}

	var result TransferResult
	err = e.Store.WithTx(ctx, func(s Store) error {
		publicID, err := e.uniquePublicID(ctx, s)
		if err != nil {
			return err
		}
		now := e.now()
		tx, err := s.CreateTransaction(ctx, Transaction{
			PublicID:    publicID,
			AccountID:   from.ID,
			MerchantID:  peerID,
			Amount:      amount,
			Status:      StatusCompleted,
			Description: "Payment to " + to.DisplayName,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return err
		}

		from.Balance = from.Balance.Sub(amount)
		to.Balance = to.Balance.Add(amount)
		if err := s.SetAccountBalance(ctx, from.ID, from.Balance); err != nil {
			return err
		}
		if err := s.SetAccountBalance(ctx, to.ID, to.Balance); err != nil {
			return err
		}

		if _, err := s.AppendCommandLog(ctx, CommandLogEntry{
			CommandName: CommandPay,
			AccountID:   from.ID,
			Parameters:  req.Parameters,
			Response:    fmt.Sprintf("Sent $%s to %s", FormatMoney(amount), to.DisplayName),
			ExecutedAt:  now,
		}); err != nil {
			return err
		}

		result = TransferResult{Transaction: tx, From: from, To: to}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}

	e.Logger.WithFields(logrus.Fields{
		"tx":     result.Transaction.PublicID,
		"from":   from.ID,
		"to":     to.ID,
		"amount": FormatMoney(amount),
	}).Info("transfer completed")
	return result, nil
}

// checkDuplicate rejects a payment whose amount matches one of the sender's
// latest transactions made inside DuplicateWindow, and raises a fraud alert.
func (e *Engine) checkDuplicate(ctx context.Context, from Account, amount decimal.Decimal) error {
	recent, err := e.Store.ListTransactionsByAccount(ctx, from.ID, DuplicateLookback)
	if err != nil {
		return err
	}
	now := e.now()
	for _, t := range recent {
		if !t.Amount.Equal(amount) || now.Sub(t.CreatedAt) >= DuplicateWindow {
			continue
		}
		if _, err := e.Store.CreateAlert(ctx, Alert{
			Kind:      AlertFraud,
			Message:   "Duplicate transaction attempted by user " + from.DisplayName,
			Severity:  SeverityWarning,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		e.Logger.WithFields(logrus.Fields{
			"account": from.ID,
			"amount":  FormatMoney(amount),
			"prior":   t.PublicID,
		}).Warn("duplicate payment rejected")
		return ErrDuplicateSuspected
	}
	return nil
}

// =============================================================================
// ORDER
// =============================================================================

type OrderRequest struct {
	AccountID    AccountID
	MerchantName string
	Amount       decimal.Decimal
	Description  string

	Parameters string
}

type OrderResult struct {
	Transaction Transaction
	Account     Account
	Merchant    Merchant
}

// Order debits the account in full and books a pending transaction against
// the merchant. Settlement is scheduled in the same store transaction.
func (e *Engine) Order(ctx context.Context, req OrderRequest) (OrderResult, error) {
	amount, err := validateAmount(req.Amount)
	if err != nil {
		return OrderResult{}, err
	}

	merchant, err := e.Store.GetMerchantByName(ctx, req.MerchantName)
	if errors.Is(err, ErrNotFound) {
		return OrderResult{}, fmt.Errorf("%w: %q", ErrMerchantNotFound, req.MerchantName)
	}
	if err != nil {
		return OrderResult{}, err
	}
	if !merchant.IsActive {
		return OrderResult{}, fmt.Errorf("%w: %q", ErrMerchantInactive, merchant.Name)
	}

	release, err := e.Locker.LockAccounts(ctx, req.AccountID)
	if err != nil {
		return OrderResult{}, fmt.Errorf("lock account: %w", err)
	}
	defer release()

	acct, err := e.Store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return OrderResult{}, err
	}
	if acct.Balance.LessThan(amount) {
		return OrderResult{}, &InsufficientFundsError{AccountID: acct.ID, Available: acct.Balance, Requested: amount}
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Order from " + merchant.Name
	}

	var result OrderResult
	err = e.Store.WithTx(ctx, func(s Store) error {
		publicID, err := e.uniquePublicID(ctx, s)
		if err != nil {
			return err
		}
		now := e.now()
		tx, err := s.CreateTransaction(ctx, Transaction{
			PublicID:    publicID,
			AccountID:   acct.ID,
			MerchantID:  merchant.ID,
			Amount:      amount,
			Status:      StatusPending,
			Description: description,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return err
		}

		acct.Balance = acct.Balance.Sub(amount)
		if err := s.SetAccountBalance(ctx, acct.ID, acct.Balance); err != nil {
			return err
		}

		if _, err := s.AppendCommandLog(ctx, CommandLogEntry{
			CommandName: CommandOrder,
			AccountID:   acct.ID,
			Parameters:  req.Parameters,
			Response:    fmt.Sprintf("Created order %s with %s", tx.PublicID, merchant.Name),
			ExecutedAt:  now,
		}); err != nil {
			return err
		}

		if e.Settlement != nil {
			if err := e.Settlement.Schedule(ctx, s, tx.ID); err != nil {
				return fmt.Errorf("schedule settlement: %w", err)
			}
		}

		result = OrderResult{Transaction: tx, Account: acct, Merchant: merchant}
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}

	e.Logger.WithFields(logrus.Fields{
		"tx":       result.Transaction.PublicID,
		"account":  acct.ID,
		"merchant": merchant.Name,
		"amount":   FormatMoney(amount),
	}).Info("order placed")
	return result, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Settle completes a pending order. Settling twice fails with an
// InvalidTransitionError and changes nothing.
func (e *Engine) Settle(ctx context.Context, id TransactionID) (Transaction, error) {
	return e.transition(ctx, id, StatusCompleted, false)
}

// Cancel cancels a pending order and refunds the reserved amount.
func (e *Engine) Cancel(ctx context.Context, id TransactionID) (Transaction, error) {
	return e.transition(ctx, id, StatusCancelled, true)
}

// Fail marks a pending order failed and refunds the reserved amount.
func (e *Engine) Fail(ctx context.Context, id TransactionID) (Transaction, error) {
	return e.transition(ctx, id, StatusFailed, true)
}

func (e *Engine) transition(ctx context.Context, id TransactionID, to Status, refund bool) (Transaction, error) {
	tx, err := e.Store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}

	release, err := e.Locker.LockAccounts(ctx, tx.AccountID)
	if err != nil {
		return Transaction{}, fmt.Errorf("lock account: %w", err)
	}
	defer release()

	err = e.Store.WithTx(ctx, func(s Store) error {
		// Re-read under the lock; a concurrent settle may have won.
		current, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if err := current.Status.Transition(to); err != nil {
			return err
		}
		now := e.now()
		if err := s.SetTransactionStatus(ctx, id, to, now); err != nil {
			return err
		}
		if refund {
			acct, err := s.GetAccount(ctx, current.AccountID)
			if err != nil {
				return err
			}
			if err := s.SetAccountBalance(ctx, acct.ID, acct.Balance.Add(current.Amount)); err != nil {
				return err
			}
		}
		current.Status = to
		current.UpdatedAt = now
		tx = current
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}

	e.Logger.WithFields(logrus.Fields{"tx": tx.PublicID, "status": to}).Info("transaction status changed")
	return tx, nil
}
