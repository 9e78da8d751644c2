package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"storefront/internal/observability"
)

const (
	DefaultBaseURL         = "https://sandbox.safaricom.co.ke"
	DefaultTransactionType = "CustomerPayBillOnline"

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"

	tokenTimeout        = 15 * time.Second
	timestampLayout     = "20060102150405"
	maxAccountReference = 12
	maxTransactionDesc  = 13
)

// The provider validates timestamps against East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type Client struct {
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	CallbackURL     string
	BaseURL         string
	TransactionType string
	TransactionDesc string
	HTTP            *http.Client

	// ExpiryMargin refreshes the token this long before the provider
	// says it expires.
	ExpiryMargin time.Duration
	Now          func() time.Time

	mu      sync.RWMutex
	token   string
	expires time.Time
	group   singleflight.Group
}

type PushRequest struct {
	PhoneNumber    string
	Amount         int64
	OrderReference string
}

type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	ErrorCode    string      `json:"errorCode"`
	ErrorMessage string      `json:"errorMessage"`
}

// Error is a failed provider call. HTTPStatus is 0 when no response was
// received.
type Error struct {
	Op         string
	HTTPStatus int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("mpesa %s: http %d: %s", e.Op, e.HTTPStatus, msg)
	}
	return fmt.Sprintf("mpesa %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure was the provider or the network
// being unavailable, as opposed to the provider refusing the request.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.HTTPStatus == 0 {
			return pe.Err != nil && Transient(pe.Err)
		}
		return pe.HTTPStatus == http.StatusTooManyRequests || pe.HTTPStatus == http.StatusRequestTimeout || pe.HTTPStatus >= 500
	}
	return false
}

// Authorize returns a bearer token, reusing the cached one until it is
// within ExpiryMargin of expiring. Concurrent callers share one refresh.
func (c *Client) Authorize(ctx context.Context) (string, error) {
	now := c.now()
	c.mu.RLock()
	token, expires := c.token, c.expires
	c.mu.RUnlock()
	if token != "" && now.Before(expires) {
		return token, nil
	}

	// The shared refresh outlives any one caller; a cancelled caller stops
	// waiting without failing the others.
	ch := c.group.DoChan("token", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenTimeout)
		defer cancel()
		return c.fetchToken(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return "", &Error{Op: "authorize", Err: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// InvalidateToken drops the cached token so the next Authorize fetches a
// new one.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.expires = time.Time{}
	c.mu.Unlock()
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+tokenPath, nil)
	if err != nil {
		return "", &Error{Op: "authorize", Err: err}
	}
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		observability.ProviderTokens.WithLabelValues("error").Inc()
		return "", &Error{Op: "authorize", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var out tokenResponse
	decodeErr := json.Unmarshal(body, &out)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || out.AccessToken == "" {
		observability.ProviderTokens.WithLabelValues("error").Inc()
		msg := out.ErrorMessage
		if msg == "" {
			msg = "token request failed"
		}
		return "", &Error{Op: "authorize", HTTPStatus: resp.StatusCode, Code: out.ErrorCode, Message: msg, Err: decodeErr}
	}

	ttl := time.Hour
	if secs, err := out.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	margin := c.ExpiryMargin
	if margin <= 0 || margin >= ttl {
		margin = ttl / 10
	}

	c.mu.Lock()
	c.token = out.AccessToken
	c.expires = c.now().Add(ttl - margin)
	c.mu.Unlock()

	observability.ProviderTokens.WithLabelValues("refreshed").Inc()
	return out.AccessToken, nil
}

// STKPush sends a payment prompt to the handset. A 401 means the push was
// never accepted, so it is resent once with a fresh token; nothing else is
// retried because a resend prompts the handset again.
func (c *Client) STKPush(ctx context.Context, req PushRequest) (PushResponse, int, []byte, error) {
	resp, status, raw, err := c.push(ctx, req)
	if status == http.StatusUnauthorized {
		c.InvalidateToken()
		resp, status, raw, err = c.push(ctx, req)
	}
	return resp, status, raw, err
}

func (c *Client) push(ctx context.Context, req PushRequest) (PushResponse, int, []byte, error) {
	token, err := c.Authorize(ctx)
	if err != nil {
		return PushResponse{}, 0, nil, err
	}

	payload := c.buildPayload(req, c.now())
	body, err := json.Marshal(payload)
	if err != nil {
		return PushResponse{}, 0, nil, &Error{Op: "stk push", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+pushPath, bytes.NewReader(body))
	if err != nil {
		return PushResponse{}, 0, nil, &Error{Op: "stk push", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return PushResponse{}, 0, nil, &Error{Op: "stk push", Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out PushResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := firstNonEmpty(out.ErrorMessage, out.ResponseDescription, http.StatusText(resp.StatusCode))
		return out, resp.StatusCode, raw, &Error{Op: "stk push", HTTPStatus: resp.StatusCode, Code: out.ErrorCode, Message: msg}
	}
	if decodeErr != nil {
		return out, resp.StatusCode, raw, &Error{Op: "stk push", HTTPStatus: resp.StatusCode, Message: "malformed provider response", Err: decodeErr}
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		msg := firstNonEmpty(out.ResponseDescription, out.ErrorMessage, "push not accepted")
		return out, resp.StatusCode, raw, &Error{Op: "stk push", HTTPStatus: resp.StatusCode, Code: out.ResponseCode, Message: msg}
	}
	return out, resp.StatusCode, raw, nil
}

func (c *Client) buildPayload(req PushRequest, now time.Time) pushPayload {
	ts := Timestamp(now)
	txType := c.TransactionType
	if txType == "" {
		txType = DefaultTransactionType
	}
	desc := c.TransactionDesc
	if desc == "" {
		desc = "Order Payment"
	}
	return pushPayload{
		BusinessShortCode: c.ShortCode,
		Password:          Password(c.ShortCode, c.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   txType,
		Amount:            req.Amount,
		PartyA:            req.PhoneNumber,
		PartyB:            c.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.CallbackURL,
		AccountReference:  truncate(req.OrderReference, maxAccountReference),
		TransactionDesc:   truncate(desc, maxTransactionDesc),
	}
}

// Timestamp formats t the way the provider expects (YYYYMMDDHHmmss, EAT).
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func (c *Client) baseURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		return DefaultBaseURL
	}
	return base
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
