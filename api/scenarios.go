/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	activity for demos. Each scenario drives the same command surface a
	chat member would, so balances, the command log and alerts all move.

AVAILABLE SCENARIOS:

	default-merchants: Peer bucket plus the five default merchants
	community:         Three members paying each other and ordering food
	fraud-alert:       A repeated payment tripping duplicate detection

HOW SCENARIOS WORK:
 1. Ensure the default merchants exist
 2. Resolve demo members (opened with the starting balance)
 3. Run pay / order commands through the dispatcher
 4. Optionally settle or cancel orders through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "community"}

NOTE:

	Scenarios add to the existing ledger; nothing is reset. Loading the same
	scenario twice within a minute is rejected by duplicate detection.

SEE ALSO:
  - handlers.go: Handler dependencies
  - command/dispatcher.go: The commands scenarios replay
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/commbank/command"
	"github.com/warp/commbank/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "default-merchants",
		Name:        "Default Merchants",
		Description: "Burger Palace, Pizza Corner, GameStop Express, Brew Masters and Taco Bell Game",
	},
	{
		ID:          "community",
		Name:        "Community",
		Description: "Three members exchanging payments, one settled order and one cancelled order",
	},
	{
		ID:          "fraud-alert",
		Name:        "Fraud Alert",
		Description: "The same payment sent twice in a row raises a fraud alert",
	},
}

var (
	demoAlice = command.User{ExternalID: "demo-alice", DisplayName: "alice"}
	demoBob   = command.User{ExternalID: "demo-bob", DisplayName: "bob"}
	demoCarol = command.User{ExternalID: "demo-carol", DisplayName: "carol"}
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "scenario_id is required", err)
		return
	}

	ctx := r.Context()
	var err error
	switch req.ScenarioID {
	case "default-merchants":
		err = h.Engine.Bootstrap(ctx, true)
	case "community":
		err = h.loadCommunityScenario(ctx)
	case "fraud-alert":
		err = h.loadFraudAlertScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCommunityScenario(ctx context.Context) error {
	if err := h.Engine.Bootstrap(ctx, true); err != nil {
		return err
	}

	payments := []struct {
		from, to command.User
		amount   string
	}{
		{demoAlice, demoBob, "25.00"},
		{demoBob, demoCarol, "12.50"},
		{demoCarol, demoAlice, "40.00"},
	}
	for _, p := range payments {
		if _, err := h.Dispatcher.Pay(ctx, p.from, p.to, decimal.RequireFromString(p.amount)); err != nil {
			return fmt.Errorf("pay %s -> %s: %w", p.from.DisplayName, p.to.DisplayName, err)
		}
	}

	settled, err := h.placeDemoOrder(ctx, demoAlice, "Burger Palace", "18.75", "Double cheeseburger")
	if err != nil {
		return err
	}
	if _, err := h.Engine.Settle(ctx, settled.ID); err != nil && !errors.Is(err, ledger.ErrValidation) {
		return fmt.Errorf("settle %s: %w", settled.PublicID, err)
	}

	cancelled, err := h.placeDemoOrder(ctx, demoBob, "GameStop Express", "59.99", "Controller")
	if err != nil {
		return err
	}
	if _, err := h.Engine.Cancel(ctx, cancelled.ID); err != nil && !errors.Is(err, ledger.ErrValidation) {
		return fmt.Errorf("cancel %s: %w", cancelled.PublicID, err)
	}

	_, err = h.placeDemoOrder(ctx, demoCarol, "Brew Masters", "4.50", "")
	return err
}

func (h *Handler) loadFraudAlertScenario(ctx context.Context) error {
	if err := h.Engine.Bootstrap(ctx, false); err != nil {
		return err
	}
	amount := decimal.RequireFromString("75.00")
	if _, err := h.Dispatcher.Pay(ctx, demoAlice, demoCarol, amount); err != nil {
		return fmt.Errorf("first payment: %w", err)
	}
	_, err := h.Dispatcher.Pay(ctx, demoAlice, demoCarol, amount)
	if err == nil {
		return errors.New("repeat payment was not flagged")
	}
	if !errors.Is(err, ledger.ErrDuplicateSuspected) {
		return fmt.Errorf("repeat payment: %w", err)
	}
	return nil
}

// placeDemoOrder runs the order command and returns the stored transaction.
func (h *Handler) placeDemoOrder(ctx context.Context, who command.User, merchant, amount, description string) (ledger.Transaction, error) {
	if _, err := h.Dispatcher.Order(ctx, who, merchant, decimal.RequireFromString(amount), description); err != nil {
		return ledger.Transaction{}, fmt.Errorf("order %s from %s: %w", who.DisplayName, merchant, err)
	}
	acct, err := h.Store.GetAccountByExternalID(ctx, who.ExternalID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	latest, err := h.Store.ListTransactionsByAccount(ctx, acct.ID, 1)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(latest) == 0 {
		return ledger.Transaction{}, fmt.Errorf("order %s from %s: %w", who.DisplayName, merchant, ledger.ErrNotFound)
	}
	return latest[0], nil
}
