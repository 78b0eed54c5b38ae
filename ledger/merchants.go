package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// NewMerchant is the input to CreateMerchant.
type NewMerchant struct {
	Name        string `validate:"required,max=100"`
	Category    string `validate:"required,oneof=food items services"`
	Description string `validate:"max=500"`
	IsActive    *bool
}

// DefaultMerchants are seeded into an empty store on request.
var DefaultMerchants = []NewMerchant{
	{Name: "Burger Palace", Category: "food", Description: "Premium burgers and fries"},
	{Name: "Pizza Corner", Category: "food", Description: "Fresh pizzas and sides"},
	{Name: "GameStop Express", Category: "items", Description: "Gaming gear and accessories"},
	{Name: "Brew Masters", Category: "food", Description: "Coffee and beverages"},
	{Name: "Taco Bell Game", Category: "food", Description: "Mexican-style fast food"},
}

// CreateMerchant validates and stores a new merchant. Names are unique.
func (e *Engine) CreateMerchant(ctx context.Context, in NewMerchant) (Merchant, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	if err := validate.Struct(in); err != nil {
		return Merchant{}, validationFromStruct(err)
	}
	category, err := ParseCategory(in.Category)
	if err != nil {
		return Merchant{}, err
	}

	_, err = e.Store.GetMerchantByName(ctx, in.Name)
	if err == nil {
		return Merchant{}, &ValidationError{Field: "name", Message: fmt.Sprintf("merchant %q already exists", in.Name)}
	}
	if !errors.Is(err, ErrNotFound) {
		return Merchant{}, err
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	m, err := e.Store.CreateMerchant(ctx, Merchant{
		Name:        in.Name,
		Category:    category,
		Description: in.Description,
		IsActive:    active,
		CreatedAt:   e.now(),
	})
	if errors.Is(err, ErrConflict) {
		return Merchant{}, &ValidationError{Field: "name", Message: fmt.Sprintf("merchant %q already exists", in.Name)}
	}
	return m, err
}

// SetMerchantActive toggles whether a merchant accepts orders.
func (e *Engine) SetMerchantActive(ctx context.Context, id MerchantID, active bool) (Merchant, error) {
	m, err := e.Store.GetMerchant(ctx, id)
	if err != nil {
		return Merchant{}, err
	}
	if m.Category == CategoryTransfer {
		return Merchant{}, &ValidationError{Field: "id", Message: "the peer transfer merchant cannot be toggled"}
	}
	m.IsActive = active
	if err := e.Store.UpdateMerchant(ctx, m); err != nil {
		return Merchant{}, err
	}
	return m, nil
}

// Bootstrap makes sure the peer-payment bucket exists and, when seed is set,
// creates any missing default merchant.
func (e *Engine) Bootstrap(ctx context.Context, seed bool) error {
	if _, err := e.peerBucket(ctx); err != nil {
		return fmt.Errorf("peer bucket: %w", err)
	}
	if !seed {
		return nil
	}
	for _, m := range DefaultMerchants {
		_, err := e.CreateMerchant(ctx, m)
		if err != nil && !errors.Is(err, ErrValidation) {
			return fmt.Errorf("seed %s: %w", m.Name, err)
		}
	}
	return nil
}

// peerBucket returns the id of the merchant that peer transfers are booked
// against, creating it on first use. It is inactive so it never takes orders.
func (e *Engine) peerBucket(ctx context.Context) (MerchantID, error) {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	if e.peerID != 0 {
		return e.peerID, nil
	}

	m, err := e.Store.GetMerchantByName(ctx, PeerMerchantName)
	if errors.Is(err, ErrNotFound) {
		m, err = e.Store.CreateMerchant(ctx, Merchant{
			Name:        PeerMerchantName,
			Category:    CategoryTransfer,
			Description: "Member-to-member payments",
			IsActive:    false,
			CreatedAt:   e.now(),
		})
		if errors.Is(err, ErrConflict) {
			m, err = e.Store.GetMerchantByName(ctx, PeerMerchantName)
		}
	}
	if err != nil {
		return 0, err
	}
	e.peerID = m.ID
	return m.ID, nil
}

func validationFromStruct(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := fieldErrs[0]
	msg := fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	return &ValidationError{Field: strings.ToLower(fe.Field()), Message: msg}
}
