package mpesa

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paidCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

func TestParseCallbackPaid(t *testing.T) {
	cb, err := ParseCallback([]byte(paidCallback))
	require.NoError(t, err)
	assert.True(t, cb.Succeeded())
	assert.Equal(t, "ws_CO_191220191020363925", cb.CheckoutRequestID)
	assert.Equal(t, "NLJ7RT61SV", cb.Receipt())
	assert.Equal(t, "254708374149", cb.PhoneNumber())
	amt, ok := cb.Amount()
	require.True(t, ok)
	assert.Equal(t, int64(1), amt)
}

func TestParseCallbackCancelled(t *testing.T) {
	body := `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_9","ResultCode":"1032","ResultDesc":"Request cancelled by user"}}}`
	cb, err := ParseCallback([]byte(body))
	require.NoError(t, err)
	assert.False(t, cb.Succeeded())
	assert.Equal(t, 1032, cb.ResultCode)
	assert.Empty(t, cb.Receipt())
	_, ok := cb.Amount()
	assert.False(t, ok)
}

func TestParseCallbackMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"not json":         `nope`,
		"missing body":     `{}`,
		"missing id":       `{"Body":{"stkCallback":{"ResultCode":0}}}`,
		"non numeric code": `{"Body":{"stkCallback":{"CheckoutRequestID":"x","ResultCode":"abc"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCallback([]byte(body))
			assert.True(t, errors.Is(err, ErrMalformedCallback))
		})
	}
}
