// Package deposits reconciles card deposits against the collections
// gateway.
//
// Flow:
//  1. Initiate writes a pending ledger entry under a fresh reference,
//     then asks the gateway for a checkout URL. The gateway echoes the
//     reference back, so every notification maps to a known entry.
//  2. The gateway posts a signed webhook when the charge settles.
//     HandleWebhook checks the HMAC before anything else, then settles
//     the reference exactly once.
//  3. Confirm is the pull-side fallback: verify the reference with the
//     gateway directly and settle from its answer.
//
// A claimed amount that disagrees with the recorded one closes the
// reference permanently and credits nothing.
package deposits

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/idgen"
	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/wallet"
)

var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrNotSettled   = errors.New("gateway has not settled this reference")
)

// InitiateResult is returned to the client starting a deposit.
type InitiateResult struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode"`
}

// webhookEvent is the shape of the gateway's webhook payload.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"` // minor units
	} `json:"data"`
}

// Service implements the deposit workflow.
type Service struct {
	wallets *wallet.Service
	core    *ledger.Core
	gateway Gateway
	secret  []byte // webhook HMAC key, the gateway secret key
	logger  *slog.Logger
}

// NewService creates a new deposit service.
func NewService(wallets *wallet.Service, core *ledger.Core, gateway Gateway, secretKey string, logger *slog.Logger) *Service {
	return &Service{
		wallets: wallets,
		core:    core,
		gateway: gateway,
		secret:  []byte(secretKey),
		logger:  logger,
	}
}

// Initiate starts a deposit for a user. The pending entry is written
// before the gateway is called, so a webhook can never reference an
// unknown deposit.
func (s *Service) Initiate(ctx context.Context, userID, email string, amount decimal.Decimal) (*InitiateResult, error) {
	w, err := s.wallets.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	reference := idgen.Reference("DEP")
	if _, err := s.core.CreatePendingDeposit(ctx, w.ID, amount, reference, "Card deposit"); err != nil {
		return nil, err
	}

	init, err := s.gateway.Initialize(ctx, email, amount, reference)
	if err != nil {
		// The pending entry stays behind. It never credits anything
		// on its own, and Confirm can still settle it if the charge
		// went through on the gateway side.
		s.logger.Warn("gateway initialize failed", "reference", reference, "error", err)
		return nil, err
	}

	s.logger.Info("deposit initiated", "user", userID, "wallet", w.ID,
		"reference", reference, "amount", amount)
	return &InitiateResult{
		Reference:        reference,
		AuthorizationURL: init.AuthorizationURL,
		AccessCode:       init.AccessCode,
	}, nil
}

// HandleWebhook processes a gateway notification. The signature is an
// HMAC-SHA512 of the raw body under the gateway secret key; a bad
// signature is rejected before any state is read.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (*ledger.SettleResult, error) {
	if !s.validSignature(rawBody, signature) {
		s.logger.Warn("webhook rejected, bad signature")
		return nil, ErrBadSignature
	}

	var event webhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("webhook payload: %w", err)
	}

	if event.Event != "charge.success" {
		s.logger.Debug("webhook ignored", "event", event.Event)
		return &ledger.SettleResult{Applied: false}, nil
	}

	claimed := decimal.NewFromInt(event.Data.Amount).Div(minorUnits)
	return s.core.SettleDeposit(ctx, event.Data.Reference, &claimed)
}

// Confirm verifies a reference against the gateway and settles it from
// the gateway's answer. Used when the webhook was missed.
func (s *Service) Confirm(ctx context.Context, reference string) (*ledger.SettleResult, error) {
	v, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, err
	}
	if v.Status != "success" {
		return nil, fmt.Errorf("%w: status %q", ErrNotSettled, v.Status)
	}
	return s.core.SettleDeposit(ctx, reference, &v.Amount)
}

func (s *Service) validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
