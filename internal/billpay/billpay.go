// Package billpay sells airtime and data bundles against wallet
// balances. The wallet is debited first; a biller failure credits the
// same amount straight back.
package billpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/idgen"
	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/wallet"
)

var (
	ErrBillerFailure = errors.New("biller request failed")
	ErrUnknownPlan   = errors.New("unknown data plan")
)

// Purchase is the record returned for a completed bill payment.
type Purchase struct {
	Reference     string          `json:"reference"`
	ServiceID     string          `json:"serviceId"`
	VariationCode string          `json:"variationCode,omitempty"`
	Phone         string          `json:"phone"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId"`
}

// Biller is the bill-payment provider surface.
type Biller interface {
	Variations(ctx context.Context, serviceID string) ([]Variation, error)
	Pay(ctx context.Context, req PayRequest) error
}

// Service implements the bill-payment workflow.
type Service struct {
	wallets *wallet.Service
	core    *ledger.Core
	biller  Biller
	logger  *slog.Logger
}

// NewService creates a new bill-payment service.
func NewService(wallets *wallet.Service, core *ledger.Core, biller Biller, logger *slog.Logger) *Service {
	return &Service{wallets: wallets, core: core, biller: biller, logger: logger}
}

// DataPlans lists the purchasable variations for a service.
func (s *Service) DataPlans(ctx context.Context, serviceID string) ([]Variation, error) {
	return s.biller.Variations(ctx, serviceID)
}

// PurchaseData buys a bundle for phone, paid from the user's wallet.
// The debit lands before the biller call; if the biller fails the same
// amount is credited back under the purchase reference.
func (s *Service) PurchaseData(ctx context.Context, userID, serviceID, variationCode, phone string, amount decimal.Decimal) (*Purchase, error) {
	w, err := s.wallets.ByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	reference := idgen.Reference("BP")
	txn, err := s.core.DebitPending(ctx, w.ID, amount, ledger.KindBillPayment, reference,
		fmt.Sprintf("%s %s for %s", serviceID, variationCode, phone))
	if err != nil {
		return nil, err
	}

	payErr := s.biller.Pay(ctx, PayRequest{
		RequestID:     reference,
		ServiceID:     serviceID,
		VariationCode: variationCode,
		Phone:         phone,
		Amount:        amount,
	})
	if payErr != nil {
		if _, err := s.core.RevertPending(ctx, txn.ID, payErr.Error()); err != nil {
			s.logger.Error("bill payment refund failed", "transaction", txn.ID,
				"reference", reference, "error", err)
			return nil, err
		}
		s.logger.Warn("bill payment failed, wallet refunded",
			"reference", reference, "amount", amount, "cause", payErr)
		return nil, fmt.Errorf("%w: %v", ErrBillerFailure, payErr)
	}

	if _, err := s.core.FinalizePending(ctx, txn.ID); err != nil {
		s.logger.Error("finalize after bill payment failed", "transaction", txn.ID, "error", err)
		return nil, err
	}

	s.logger.Info("bill payment complete", "user", userID, "reference", reference,
		"service", serviceID, "amount", amount)
	return &Purchase{
		Reference:     reference,
		ServiceID:     serviceID,
		VariationCode: variationCode,
		Phone:         phone,
		Amount:        amount,
		TransactionID: txn.ID,
	}, nil
}
