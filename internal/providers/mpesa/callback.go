package mpesa

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var ErrMalformedCallback = errors.New("malformed stk callback")

// Callback is the result notification the provider posts to CallBackURL.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Items             map[string]json.RawMessage
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        json.Number `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes a raw callback body. ResultCode may arrive as a
// number or a numeric string.
func ParseCallback(body []byte) (Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Callback{}, errors.Join(ErrMalformedCallback, err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return Callback{}, ErrMalformedCallback
	}
	code, err := strconv.Atoi(strings.TrimSpace(cb.ResultCode.String()))
	if err != nil {
		return Callback{}, errors.Join(ErrMalformedCallback, err)
	}

	out := Callback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
		Items:             map[string]json.RawMessage{},
	}
	if cb.CallbackMetadata != nil {
		for _, it := range cb.CallbackMetadata.Item {
			out.Items[it.Name] = it.Value
		}
	}
	return out, nil
}

func (c Callback) Succeeded() bool { return c.ResultCode == 0 }

// Receipt returns MpesaReceiptNumber from the callback metadata.
func (c Callback) Receipt() string {
	return c.itemString("MpesaReceiptNumber")
}

func (c Callback) PhoneNumber() string {
	return c.itemString("PhoneNumber")
}

// Amount returns the settled amount in whole currency units.
func (c Callback) Amount() (int64, bool) {
	s := c.itemString("Amount")
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

func (c Callback) itemString(name string) string {
	raw, ok := c.Items[name]
	if !ok || len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
