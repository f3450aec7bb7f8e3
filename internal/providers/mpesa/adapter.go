// Package mpesa is the Daraja gateway adapter: outbound STK push initiation
// and the inbound callback surface for push results and C2B paybill
// confirmations.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"hospipay/internal/common/money"
)

// ErrGatewayUnavailable is returned when outbound initiation fails at the
// provider. The caller decides whether to retry; this layer does not.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// ErrInvalidPushAmount is returned when a push amount is not a positive
// whole number of shillings. Daraja STK amounts carry no cents; flooring
// them here would under-collect silently, so fractional balances go through
// the manual paybill path instead.
var ErrInvalidPushAmount = errors.New("push amount must be a whole number of shillings")

// Config holds Daraja API configuration.
type Config struct {
	BaseURL        string        `envconfig:"MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	ConsumerKey    string        `envconfig:"MPESA_CONSUMER_KEY" required:"true"`
	ConsumerSecret string        `envconfig:"MPESA_CONSUMER_SECRET" required:"true"`
	ShortCode      string        `envconfig:"MPESA_SHORT_CODE" required:"true"`
	Passkey        string        `envconfig:"MPESA_PASSKEY" required:"true"`
	CallbackURL    string        `envconfig:"MPESA_CALLBACK_URL" required:"true"`
	Timeout        time.Duration `envconfig:"MPESA_HTTP_TIMEOUT" default:"30s"`
}

// PushHandle identifies an initiated STK push at the provider.
type PushHandle struct {
	MerchantRequestID string `json:"merchant_request_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

// PushStatus is the provider's answer to a push status query.
type PushStatus struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	ResultCode        int    `json:"result_code"`
	ResultDesc        string `json:"result_desc"`
	Pending           bool   `json:"pending"`
}

// PaybillInstructions is what a payer needs to pay manually at the paybill
// prompt. The triple round-trips into the C2B confirmation: short code,
// bill reference and amount come back verbatim.
type PaybillInstructions struct {
	BusinessShortCode string      `json:"business_short_code"`
	AccountReference  string      `json:"account_reference"`
	Amount            money.Money `json:"amount"`
}

// Adapter talks to the Daraja API.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewAdapter creates a new Daraja adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "mpesa"),
	}
}

// Instructions returns the manual paybill instructions for an invoice
// balance.
func (a *Adapter) Instructions(accountReference string, amount money.Money) PaybillInstructions {
	return PaybillInstructions{
		BusinessShortCode: a.cfg.ShortCode,
		AccountReference:  accountReference,
		Amount:            amount,
	}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiatePush asks the provider to prompt the payer's phone for PIN entry.
// The phone number is normalized and validated locally first; an invalid
// number fails with ErrInvalidPhone without touching the network. Initiation
// is fire-and-forget: the result arrives later on the callback surface.
func (a *Adapter) InitiatePush(ctx context.Context, phoneNumber string, amount money.Money, accountReference string) (*PushHandle, error) {
	phone, err := NormalizePhone(phoneNumber)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() || amount.AmountMinor%100 != 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPushAmount, amount)
	}

	timestamp := time.Now().Format("20060102150405")
	req := stkPushRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          a.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            strconv.FormatInt(amount.AmountMinor/100, 10),
		PartyA:            phone,
		PartyB:            a.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       a.cfg.CallbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   "Hospital bill " + accountReference,
	}

	var resp stkPushResponse
	if err := a.post(ctx, "/mpesa/stkpush/v1/processrequest", req, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		a.logger.WarnContext(ctx, "stk push rejected",
			"response_code", resp.ResponseCode,
			"description", resp.ResponseDescription,
		)
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, resp.ResponseDescription)
	}

	a.logger.InfoContext(ctx, "stk push initiated",
		"checkout_request_id", resp.CheckoutRequestID,
		"account_reference", accountReference,
		"amount", amount.String(),
	)

	return &PushHandle{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
}

// QueryStatus asks the provider for the current state of an initiated push.
// Daraja answers "still under processing" as an error-shaped body with HTTP
// 500; that is reported as Pending, not as a gateway failure.
func (a *Adapter) QueryStatus(ctx context.Context, checkoutRequestID string) (*PushStatus, error) {
	timestamp := time.Now().Format("20060102150405")
	req := stkQueryRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          a.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	if err := a.post(ctx, "/mpesa/stkpushquery/v1/query", req, &resp); err != nil {
		var pe *providerError
		if errors.As(err, &pe) && pe.stillProcessing() {
			return &PushStatus{CheckoutRequestID: checkoutRequestID, Pending: true}, nil
		}
		return nil, err
	}

	code, err := strconv.Atoi(resp.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("parsing result code %q: %w", resp.ResultCode, err)
	}

	return &PushStatus{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        code,
		ResultDesc:        resp.ResultDesc,
	}, nil
}

// password derives the Lipa Na M-PESA password for a timestamp.
func (a *Adapter) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(a.cfg.ShortCode + a.cfg.Passkey + timestamp))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// token returns a cached OAuth access token, fetching a fresh one when the
// cached token is within a minute of expiry.
func (a *Adapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Now().Before(a.tokenExpiry.Add(-time.Minute)) {
		return a.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.cfg.ConsumerKey, a.cfg.ConsumerSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: token request returned %d: %s", ErrGatewayUnavailable, resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	ttl, err := strconv.Atoi(tok.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}

	a.accessToken = tok.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(ttl) * time.Second)
	return a.accessToken, nil
}

// providerError is a non-2xx Daraja response body.
type providerError struct {
	StatusCode   int
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *providerError) Error() string {
	return fmt.Sprintf("provider returned %d: %s %s", e.StatusCode, e.ErrorCode, e.ErrorMessage)
}

// stillProcessing reports the Daraja quirk where a status query on an
// in-flight push returns an error body instead of a pending result.
func (e *providerError) stillProcessing() bool {
	return e.ErrorCode == "500.001.1001"
}

func (a *Adapter) post(ctx context.Context, path string, body, out interface{}) error {
	token, err := a.token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pe := &providerError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, pe)
		if pe.stillProcessing() {
			return pe
		}
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, pe)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
