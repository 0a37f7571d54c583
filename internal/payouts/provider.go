package payouts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/globalink/walletcore/internal/wallet"
)

// ProviderConfig carries the disbursement provider credentials.
type ProviderConfig struct {
	BaseURL       string
	APIKey        string
	SecretKey     string
	ContractCode  string // reserved account contract
	SourceAccount string // wallet account transfers are funded from
}

// ProviderClient talks to the disbursement provider. Authentication is
// a basic-auth login that yields a short-lived bearer token, cached
// until shortly before expiry.
type ProviderClient struct {
	http *resty.Client
	cfg  ProviderConfig

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewProviderClient creates a disbursement provider client.
func NewProviderClient(cfg ProviderConfig) *ProviderClient {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(20*time.Second).
		SetHeader("Content-Type", "application/json")
	return &ProviderClient{http: c, cfg: cfg}
}

type providerEnvelope struct {
	RequestSuccessful bool   `json:"requestSuccessful"`
	ResponseMessage   string `json:"responseMessage"`
	ResponseBody      struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
		AccountName string `json:"accountName"`
		Status      string `json:"status"`
		Accounts    []struct {
			AccountNumber string `json:"accountNumber"`
			BankName      string `json:"bankName"`
			BankCode      string `json:"bankCode"`
		} `json:"accounts"`
	} `json:"responseBody"`
}

// bearer returns a valid access token, logging in when the cached one
// is missing or about to expire.
func (p *ProviderClient) bearer(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.tokenExp) {
		return p.token, nil
	}

	var out providerEnvelope
	resp, err := p.http.R().
		SetContext(ctx).
		SetBasicAuth(p.cfg.APIKey, p.cfg.SecretKey).
		SetResult(&out).
		Post("/api/v1/auth/login")
	if err != nil {
		return "", fmt.Errorf("provider login: %w", err)
	}
	if resp.IsError() || !out.RequestSuccessful {
		return "", fmt.Errorf("provider login: %s (HTTP %d)", out.ResponseMessage, resp.StatusCode())
	}

	p.token = out.ResponseBody.AccessToken
	// Refresh a minute early.
	p.tokenExp = time.Now().Add(time.Duration(out.ResponseBody.ExpiresIn-60) * time.Second)
	return p.token, nil
}

// ResolveAccount looks up the registered name on a bank account.
func (p *ProviderClient) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (string, error) {
	token, err := p.bearer(ctx)
	if err != nil {
		return "", err
	}

	var out providerEnvelope
	resp, err := p.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(map[string]string{
			"accountNumber": accountNumber,
			"bankCode":      bankCode,
		}).
		SetResult(&out).
		Get("/api/v1/disbursements/account/validate")
	if err != nil {
		return "", fmt.Errorf("account validate: %w", err)
	}
	if resp.IsError() || !out.RequestSuccessful {
		return "", fmt.Errorf("account validate: %s (HTTP %d)", out.ResponseMessage, resp.StatusCode())
	}
	return out.ResponseBody.AccountName, nil
}

// Transfer initiates a single disbursement from the source account.
func (p *ProviderClient) Transfer(ctx context.Context, req TransferRequest) error {
	token, err := p.bearer(ctx)
	if err != nil {
		return err
	}

	var out providerEnvelope
	resp, err := p.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{
			"amount":                   req.Amount,
			"reference":                req.Reference,
			"narration":                req.Narration,
			"destinationBankCode":      req.BankCode,
			"destinationAccountNumber": req.AccountNumber,
			"currency":                 "NGN",
			"sourceAccountNumber":      p.cfg.SourceAccount,
		}).
		SetResult(&out).
		Post("/api/v2/disbursements/single")
	if err != nil {
		return fmt.Errorf("disbursement: %w", err)
	}
	if resp.IsError() || !out.RequestSuccessful {
		return fmt.Errorf("disbursement: %s (HTTP %d)", out.ResponseMessage, resp.StatusCode())
	}
	return nil
}

// CreateVirtualAccount reserves a dedicated deposit account for a
// wallet. Implements the wallet package's AccountProvisioner.
func (p *ProviderClient) CreateVirtualAccount(ctx context.Context, req wallet.VirtualAccountRequest) (*wallet.VirtualAccount, error) {
	token, err := p.bearer(ctx)
	if err != nil {
		return nil, err
	}

	var out providerEnvelope
	resp, err := p.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{
			"accountReference":     req.AccountReference,
			"accountName":          req.AccountName,
			"customerEmail":        req.Email,
			"customerName":         req.AccountName,
			"currencyCode":         req.Currency,
			"contractCode":         p.cfg.ContractCode,
			"getAllAvailableBanks": false,
		}).
		SetResult(&out).
		Post("/api/v2/bank-transfer/reserved-accounts")
	if err != nil {
		return nil, fmt.Errorf("reserved account: %w", err)
	}
	if resp.IsError() || !out.RequestSuccessful {
		return nil, fmt.Errorf("reserved account: %s (HTTP %d)", out.ResponseMessage, resp.StatusCode())
	}
	if len(out.ResponseBody.Accounts) == 0 {
		return nil, fmt.Errorf("reserved account: provider returned no accounts")
	}

	acc := out.ResponseBody.Accounts[0]
	return &wallet.VirtualAccount{
		AccountNumber: acc.AccountNumber,
		BankName:      acc.BankName,
		BankCode:      acc.BankCode,
	}, nil
}
