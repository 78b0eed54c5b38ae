/*
Package command implements the chat command surface.

PURPOSE:
  Turns the seven chat commands into engine and store calls and renders the
  reply shown to the member. Every invocation, successful or not, leaves
  exactly one CommandLogEntry behind.

AUDIT RULE:
  pay / order succeeded:  the engine appended the entry inside its store
                          transaction, the dispatcher writes nothing
  anything else:          the dispatcher appends the entry itself

COMMANDS:
  balance [user]               balance and account status
  transaction <id>             lookup by public id
  history [user] [limit]       latest transactions, default 5, at most 20
  merchants                    active merchants
  pay <user> <amount>          peer payment
  order <merchant> <amount>    merchant order, settles later
  help                         command listing
*/
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/commbank/ledger"
)

const (
	DefaultHistoryLimit = 5
	MaxHistoryLimit     = 20

	// Balances at or below this are reported as low.
	lowBalanceThreshold = 50
)

var validate = validator.New()

// User is a chat-platform identity.
type User struct {
	ExternalID  string `json:"id" validate:"required,max=64"`
	DisplayName string `json:"username" validate:"required,max=100"`
}

// Field is one labelled value of a reply.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Reply is what the chat front end shows. All replies are private to the caller.
type Reply struct {
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Fields  []Field `json:"fields,omitempty"`
	Footer  string  `json:"footer,omitempty"`
}

// Dispatcher executes commands on behalf of chat users.
type Dispatcher struct {
	Engine   *ledger.Engine
	Resolver *ledger.Resolver
	Store    ledger.Store
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

func NewDispatcher(engine *ledger.Engine, logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		Engine:   engine,
		Resolver: ledger.NewResolver(engine.Store),
		Store:    engine.Store,
		Logger:   logger.WithField("component", "command"),
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// audit appends the log entry for an invocation. A failure to record is
// logged and otherwise ignored so the member still gets a reply.
func (d *Dispatcher) audit(ctx context.Context, name ledger.CommandName, acct ledger.AccountID, params, response string) {
	_, err := d.Store.AppendCommandLog(ctx, ledger.CommandLogEntry{
		CommandName: name,
		AccountID:   acct,
		Parameters:  params,
		Response:    response,
		ExecutedAt:  d.now(),
	})
	if err != nil {
		d.Logger.WithError(err).WithField("command", name).Error("append command log")
	}
}

func (d *Dispatcher) resolve(ctx context.Context, u User) (ledger.Account, error) {
	if err := validate.Struct(u); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return ledger.Account{}, &ledger.ValidationError{
				Field:   strings.ToLower(fieldErrs[0].Field()),
				Message: fieldErrs[0].Tag(),
			}
		}
		return ledger.Account{}, &ledger.ValidationError{Field: "user", Message: err.Error()}
	}
	return d.Resolver.Resolve(ctx, u.ExternalID, u.DisplayName)
}

// failure renders a rejection. Store failures are not shown verbatim.
func failure(err error) Reply {
	var (
		ife *ledger.InsufficientFundsError
		ve  *ledger.ValidationError
	)
	switch {
	case errors.As(err, &ife):
		return Reply{Content: fmt.Sprintf("❌ Insufficient balance. You have %s but need %s.", money(ife.Available), money(ife.Requested))}
	case errors.Is(err, ledger.ErrSelfTransfer):
		return Reply{Content: "❌ You cannot send money to yourself."}
	case errors.Is(err, ledger.ErrDuplicateSuspected):
		return Reply{Content: "❌ Duplicate transaction detected. Please wait before sending another payment."}
	case errors.As(err, &ve):
		return Reply{Content: "❌ Invalid " + ve.Field + ": " + ve.Message}
	case ledger.IsClientError(err) || ledger.IsNotFound(err):
		return Reply{Content: "❌ " + err.Error()}
	}
	return Reply{Content: "❌ An error occurred while processing your command."}
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance reports the balance of target, or of the caller when target is nil.
func (d *Dispatcher) Balance(ctx context.Context, caller User, target *User) (Reply, error) {
	subject, params := caller, ""
	if target != nil && target.ExternalID != caller.ExternalID {
		subject, params = *target, "user:"+target.ExternalID
	}

	acct, err := d.resolve(ctx, subject)
	if err != nil {
		d.auditFailure(ctx, ledger.CommandBalance, caller, params, err)
		return failure(err), err
	}

	status := "⚠️ Low Balance"
	if acct.Balance.GreaterThan(decimal.NewFromInt(lowBalanceThreshold)) {
		status = "✅ Active"
	}

	d.audit(ctx, ledger.CommandBalance, acct.ID, params, "Balance: "+money(acct.Balance))
	return Reply{
		Title:   "💰 Account Balance",
		Content: fmt.Sprintf("**%s**'s current balance", acct.DisplayName),
		Fields: []Field{
			{Name: "Current Balance", Value: money(acct.Balance), Inline: true},
			{Name: "Account Status", Value: status, Inline: true},
		},
		Footer: "CommBank • Use /merchants to see available stores",
	}, nil
}

// auditFailure records a command that failed before an account for the
// caller was known. It resolves the caller on a best-effort basis.
func (d *Dispatcher) auditFailure(ctx context.Context, name ledger.CommandName, caller User, params string, cause error) {
	acct, err := d.resolve(ctx, caller)
	if err != nil {
		d.Logger.WithError(err).WithField("command", name).Warn("command failed for unresolvable caller")
		return
	}
	d.audit(ctx, name, acct.ID, params, failure(cause).Content)
}

// =============================================================================
// TRANSACTION
// =============================================================================

// Transaction looks up a transaction by its public id.
func (d *Dispatcher) Transaction(ctx context.Context, caller User, publicID string) (Reply, error) {
	publicID = strings.TrimSpace(publicID)
	params := "id:" + publicID

	user, err := d.resolve(ctx, caller)
	if err != nil {
		return failure(err), err
	}
	if publicID == "" {
		err := &ledger.ValidationError{Field: "id", Message: "required"}
		d.audit(ctx, ledger.CommandTransaction, user.ID, params, failure(err).Content)
		return failure(err), err
	}

	tx, err := d.Store.GetTransactionByPublicID(ctx, publicID)
	if err != nil {
		response := fmt.Sprintf("Transaction %s not found", publicID)
		reply := Reply{Content: fmt.Sprintf("❌ Transaction `%s` not found.", publicID)}
		if !errors.Is(err, ledger.ErrNotFound) {
			response, reply = failure(err).Content, failure(err)
		}
		d.audit(ctx, ledger.CommandTransaction, user.ID, params, response)
		return reply, err
	}
	d.audit(ctx, ledger.CommandTransaction, user.ID, params, "Found transaction "+publicID)

	owner, merchant := "Unknown", "Unknown"
	if a, err := d.Store.GetAccount(ctx, tx.AccountID); err == nil {
		owner = a.DisplayName
	}
	if m, err := d.Store.GetMerchant(ctx, tx.MerchantID); err == nil {
		merchant = m.Name
	}
	description := tx.Description
	if description == "" {
		description = "N/A"
	}

	return Reply{
		Title:   "📋 Transaction Details",
		Content: fmt.Sprintf("Transaction ID: `%s`", tx.PublicID),
		Fields: []Field{
			{Name: "👤 User", Value: owner, Inline: true},
			{Name: "🏪 Merchant", Value: merchant, Inline: true},
			{Name: "💰 Amount", Value: money(tx.Amount), Inline: true},
			{Name: "📊 Status", Value: StatusEmoji(tx.Status) + " " + string(tx.Status), Inline: true},
			{Name: "📝 Description", Value: description, Inline: true},
			{Name: "🕒 Created", Value: TimeAgo(d.now(), tx.CreatedAt), Inline: true},
		},
		Footer: "CommBank • Transaction tracking system",
	}, nil
}

// =============================================================================
// HISTORY
// =============================================================================

// History lists the latest transactions of target (or the caller). A limit
// of 0 means DefaultHistoryLimit.
func (d *Dispatcher) History(ctx context.Context, caller User, target *User, limit int) (Reply, error) {
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	subject, params := caller, ""
	if target != nil && target.ExternalID != caller.ExternalID {
		subject, params = *target, "user:"+target.ExternalID+" "
	}
	params += fmt.Sprintf("limit:%d", limit)

	if limit < 1 || limit > MaxHistoryLimit {
		err := &ledger.ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", MaxHistoryLimit)}
		d.auditFailure(ctx, ledger.CommandHistory, caller, params, err)
		return failure(err), err
	}

	acct, err := d.resolve(ctx, subject)
	if err != nil {
		d.auditFailure(ctx, ledger.CommandHistory, caller, params, err)
		return failure(err), err
	}
	txs, err := d.Store.ListTransactionsByAccount(ctx, acct.ID, limit)
	if err != nil {
		d.audit(ctx, ledger.CommandHistory, acct.ID, params, failure(err).Content)
		return failure(err), err
	}
	d.audit(ctx, ledger.CommandHistory, acct.ID, params, fmt.Sprintf("Found %d transactions", len(txs)))

	if len(txs) == 0 {
		return Reply{
			Title:   "📝 Transaction History",
			Content: fmt.Sprintf("No transaction history found for **%s**.", acct.DisplayName),
			Footer:  "CommBank • Start making transactions to see your history!",
		}, nil
	}

	names := make(map[ledger.MerchantID]string)
	now := d.now()
	fields := make([]Field, 0, len(txs))
	for _, tx := range txs {
		name, ok := names[tx.MerchantID]
		if !ok {
			name = "Unknown"
			if m, err := d.Store.GetMerchant(ctx, tx.MerchantID); err == nil {
				name = m.Name
			}
			names[tx.MerchantID] = name
		}
		fields = append(fields, Field{
			Name:  StatusEmoji(tx.Status) + " " + tx.PublicID,
			Value: fmt.Sprintf("**%s** • %s\n*%s*", name, money(tx.Amount), TimeAgo(now, tx.CreatedAt)),
		})
	}
	return Reply{
		Title:   "📝 Transaction History",
		Content: fmt.Sprintf("Recent transactions for **%s**", acct.DisplayName),
		Fields:  fields,
		Footer:  fmt.Sprintf("CommBank • Showing %d most recent transactions", len(txs)),
	}, nil
}

// =============================================================================
// MERCHANTS
// =============================================================================

// Merchants lists the merchants currently accepting orders.
func (d *Dispatcher) Merchants(ctx context.Context, caller User) (Reply, error) {
	user, err := d.resolve(ctx, caller)
	if err != nil {
		return failure(err), err
	}
	all, err := d.Store.ListMerchants(ctx)
	if err != nil {
		d.audit(ctx, ledger.CommandMerchants, user.ID, "", failure(err).Content)
		return failure(err), err
	}

	active := make([]ledger.Merchant, 0, len(all))
	for _, m := range all {
		if m.IsActive {
			active = append(active, m)
		}
	}
	d.audit(ctx, ledger.CommandMerchants, user.ID, "", fmt.Sprintf("Listed %d merchants", len(active)))

	if len(active) == 0 {
		return Reply{Content: "🏪 No merchants available at the moment."}, nil
	}
	fields := make([]Field, len(active))
	for i, m := range active {
		fields[i] = Field{
			Name:   CategoryEmoji(m.Category) + " " + m.Name,
			Value:  fmt.Sprintf("%s\nCategory: %s", m.Description, m.Category),
			Inline: true,
		}
	}
	return Reply{
		Title:   "🏪 Available Merchants",
		Content: "Choose from our verified banking merchants",
		Fields:  fields,
		Footer:  "CommBank • Use /order <merchant> <amount> to make a purchase",
	}, nil
}

// =============================================================================
// PAY
// =============================================================================

// Pay sends amount from the caller to target.
func (d *Dispatcher) Pay(ctx context.Context, caller, target User, amount decimal.Decimal) (Reply, error) {
	params := fmt.Sprintf("user:%s amount:%s", target.ExternalID, amount.String())

	from, err := d.resolve(ctx, caller)
	if err != nil {
		return failure(err), err
	}
	if target.ExternalID == caller.ExternalID {
		d.audit(ctx, ledger.CommandPay, from.ID, params, failure(ledger.ErrSelfTransfer).Content)
		return failure(ledger.ErrSelfTransfer), ledger.ErrSelfTransfer
	}
	to, err := d.resolve(ctx, target)
	if err != nil {
		d.audit(ctx, ledger.CommandPay, from.ID, params, failure(err).Content)
		return failure(err), err
	}

	res, err := d.Engine.Transfer(ctx, ledger.TransferRequest{
		From:       from.ID,
		To:         to.ID,
		Amount:     amount,
		Parameters: params,
	})
	if err != nil {
		d.audit(ctx, ledger.CommandPay, from.ID, params, failure(err).Content)
		return failure(err), err
	}

	return Reply{
		Content: fmt.Sprintf("✅ Successfully sent %s to %s!\n**Transaction ID**: `%s`\n**Your new balance**: %s",
			money(res.Transaction.Amount), res.To.DisplayName, res.Transaction.PublicID, money(res.From.Balance)),
	}, nil
}

// =============================================================================
// ORDER
// =============================================================================

// Order places an order with the named merchant.
func (d *Dispatcher) Order(ctx context.Context, caller User, merchantName string, amount decimal.Decimal, description string) (Reply, error) {
	merchantName = strings.TrimSpace(merchantName)
	description = strings.TrimSpace(description)
	params := fmt.Sprintf("merchant:%s amount:%s", merchantName, amount.String())
	if description != "" {
		params += " description:" + description
	}

	user, err := d.resolve(ctx, caller)
	if err != nil {
		return failure(err), err
	}

	res, err := d.Engine.Order(ctx, ledger.OrderRequest{
		AccountID:    user.ID,
		MerchantName: merchantName,
		Amount:       amount,
		Description:  description,
		Parameters:   params,
	})
	if err != nil {
		reply := failure(err)
		switch {
		case errors.Is(err, ledger.ErrMerchantNotFound):
			reply.Content = fmt.Sprintf("❌ Merchant %q not found. Use `/merchants` to see available merchants.", merchantName)
		case errors.Is(err, ledger.ErrMerchantInactive):
			reply.Content = fmt.Sprintf("❌ Merchant %q is currently not accepting orders.", merchantName)
		}
		d.audit(ctx, ledger.CommandOrder, user.ID, params, reply.Content)
		return reply, err
	}

	return Reply{
		Content: fmt.Sprintf("🛒 **Order Placed Successfully!**\n"+
			"**Merchant**: %s\n**Amount**: %s\n**Transaction ID**: `%s`\n**Status**: %s Pending\n"+
			"**Your new balance**: %s\n\nYour order is being processed and will be completed shortly!",
			res.Merchant.Name, money(res.Transaction.Amount), res.Transaction.PublicID,
			StatusEmoji(res.Transaction.Status), money(res.Account.Balance)),
	}, nil
}

// =============================================================================
// HELP
// =============================================================================

// Help lists the available commands.
func (d *Dispatcher) Help(ctx context.Context, caller User) (Reply, error) {
	user, err := d.resolve(ctx, caller)
	if err != nil {
		return failure(err), err
	}
	d.audit(ctx, ledger.CommandHelp, user.ID, "", "Displayed help information")

	return Reply{
		Title:   "🏦 CommBank Commands",
		Content: "Your virtual banking solution for your community",
		Fields: []Field{
			{
				Name: "💰 Balance & Transactions",
				Value: "`/balance` - Check your current balance\n" +
					"`/history` - View transaction history\n" +
					"`/transaction <id>` - Check specific transaction",
			},
			{
				Name: "🏪 Shopping & Payments",
				Value: "`/merchants` - Browse available stores\n" +
					"`/order <merchant> <amount>` - Make a purchase\n" +
					"`/pay <user> <amount>` - Send money to friends",
			},
			{
				Name: "🎮 Getting Started",
				Value: fmt.Sprintf("New users start with %s balance!\n", money(ledger.DefaultStartingBalance)) +
					"Use `/merchants` to see available stores\n" +
					"All transactions are tracked and secure",
			},
		},
		Footer: "CommBank • Community banking",
	}, nil
}
