package command

import (
	"context"
	"fmt"

	"github.com/warp/commbank/ledger"
)

// Request carries the arguments of any command. Fields a command does not
// take are ignored.
type Request struct {
	Caller      User   `json:"caller"`
	Target      *User  `json:"target,omitempty"`
	ID          string `json:"id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Merchant    string `json:"merchant,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Description string `json:"description,omitempty"`
}

// Dispatch routes a command by name. It is the entry point for transports
// that receive commands as data.
func (d *Dispatcher) Dispatch(ctx context.Context, name ledger.CommandName, req Request) (Reply, error) {
	d.Logger.WithField("command", name).WithField("user", req.Caller.DisplayName).Debug("received command")

	switch name {
	case ledger.CommandBalance:
		return d.Balance(ctx, req.Caller, req.Target)
	case ledger.CommandTransaction:
		return d.Transaction(ctx, req.Caller, req.ID)
	case ledger.CommandHistory:
		return d.History(ctx, req.Caller, req.Target, req.Limit)
	case ledger.CommandMerchants:
		return d.Merchants(ctx, req.Caller)
	case ledger.CommandPay:
		if req.Target == nil {
			err := &ledger.ValidationError{Field: "target", Message: "required"}
			d.auditFailure(ctx, name, req.Caller, "amount:"+req.Amount, err)
			return failure(err), err
		}
		amount, err := ledger.ParseMoney(req.Amount)
		if err != nil {
			d.auditFailure(ctx, name, req.Caller, fmt.Sprintf("user:%s amount:%s", req.Target.ExternalID, req.Amount), err)
			return failure(err), err
		}
		return d.Pay(ctx, req.Caller, *req.Target, amount)
	case ledger.CommandOrder:
		amount, err := ledger.ParseMoney(req.Amount)
		if err != nil {
			d.auditFailure(ctx, name, req.Caller, fmt.Sprintf("merchant:%s amount:%s", req.Merchant, req.Amount), err)
			return failure(err), err
		}
		return d.Order(ctx, req.Caller, req.Merchant, amount, req.Description)
	case ledger.CommandHelp:
		return d.Help(ctx, req.Caller)
	}
	err := &ledger.ValidationError{Field: "command", Message: fmt.Sprintf("unknown command %q", name)}
	return Reply{Content: "❌ Unknown command."}, err
}
