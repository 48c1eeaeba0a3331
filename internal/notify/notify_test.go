package notify

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifierHidesOTPBody(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, n.Notify(context.Background(), Message{
		AccountID: "acc-1",
		Phone:     "254712345678",
		Kind:      KindOTP,
		Body:      "Your code is 123456",
	}))
	assert.NotContains(t, buf.String(), "123456")
	assert.NotContains(t, buf.String(), "254712345678")

	buf.Reset()
	require.NoError(t, n.Notify(context.Background(), Message{AccountID: "acc-1", Kind: KindReceipt, Body: "received"}))
	assert.Contains(t, buf.String(), "received")
}

func TestOutboxLast(t *testing.T) {
	o := &Outbox{}
	ctx := context.Background()
	require.NoError(t, o.Notify(ctx, Message{AccountID: "a", Body: "first"}))
	require.NoError(t, o.Notify(ctx, Message{AccountID: "b", Body: "other"}))
	require.NoError(t, o.Notify(ctx, Message{AccountID: "a", Body: "second"}))

	m, ok := o.Last("a")
	require.True(t, ok)
	assert.Equal(t, "second", m.Body)

	_, ok = o.Last("c")
	assert.False(t, ok)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "notify.otp", RoutingKey(KindOTP))
}
