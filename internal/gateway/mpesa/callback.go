package mpesa

import (
	"fmt"
	"strconv"
)

// Callback is the body Daraja posts to the callback URL
type Callback struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback is the outcome of one STK push
type StkCallback struct {
	MerchantRequestID string    `json:"MerchantRequestID"`
	CheckoutRequestID string    `json:"CheckoutRequestID"`
	ResultCode        int       `json:"ResultCode"`
	ResultDesc        string    `json:"ResultDesc"`
	CallbackMetadata  *Metadata `json:"CallbackMetadata,omitempty"`
}

// Metadata lists the details of a successful payment
type Metadata struct {
	Item []Item `json:"Item"`
}

// Item is one metadata value. Values arrive as JSON numbers or strings.
type Item struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// Succeeded reports whether the customer paid
func (c StkCallback) Succeeded() bool { return c.ResultCode == 0 }

// Value returns the named metadata item rendered as a string.
func (c StkCallback) Value(name string) (string, bool) {
	if c.CallbackMetadata == nil {
		return "", false
	}
	for _, it := range c.CallbackMetadata.Item {
		if it.Name != name {
			continue
		}
		switch v := it.Value.(type) {
		case nil:
			return "", false
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		default:
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

// Receipt returns the M-Pesa receipt number
func (c StkCallback) Receipt() string {
	r, _ := c.Value("MpesaReceiptNumber")
	return r
}

// Ack is the response Daraja expects from the callback URL.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accepted acknowledges a callback
var Accepted = Ack{ResultCode: 0, ResultDesc: "Accepted"}
