package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"
)

const testSecret = "whsec_test_secret"

type recordingNudger struct {
	mu      sync.Mutex
	tracked map[string]bool
	nudged  []string
}

func (n *recordingNudger) Nudge(orderID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nudged = append(n.nudged, orderID)
	return n.tracked[orderID]
}

func signedEvent(t *testing.T, secret, body string, at time.Time) ([]byte, string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Payload, signed.Header
}

func eventBody(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"api_version":"2020-08-27","data":{"object":%s}}`, id, eventType, object)
}

func newProcessor(t *testing.T, nudger Nudger) *WebhookProcessor {
	t.Helper()
	processor, err := NewWebhookProcessor(WebhookProcessorDeps{Secret: testSecret, Orders: nudger})
	require.NoError(t, err)
	return processor
}

func TestWebhookProcessorNudgesTrackedOrder(t *testing.T) {
	nudger := &recordingNudger{tracked: map[string]bool{"ord_0001": true}}
	processor := newProcessor(t, nudger)

	payload, header := signedEvent(t, testSecret, eventBody("evt_1", "checkout.session.completed",
		`{"id":"cs_test_ord_0001","object":"checkout.session","metadata":{"order_id":"ord_0001"}}`), time.Now())

	note, err := processor.Process(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", note.EventID)
	assert.Equal(t, "ord_0001", note.OrderID)
	assert.True(t, note.Nudged)
	assert.Equal(t, []string{"ord_0001"}, nudger.nudged)
}

func TestWebhookProcessorFallsBackToClientReference(t *testing.T) {
	nudger := &recordingNudger{}
	processor := newProcessor(t, nudger)

	payload, header := signedEvent(t, testSecret, eventBody("evt_2", "checkout.session.expired",
		`{"id":"cs_1","object":"checkout.session","client_reference_id":"ord_0042"}`), time.Now())

	note, err := processor.Process(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, "ord_0042", note.OrderID)
	assert.False(t, note.Nudged, "untracked orders are not refreshed")
	assert.Equal(t, []string{"ord_0042"}, nudger.nudged)
}

func TestWebhookProcessorSkipsTopUpsAndUnhandledEvents(t *testing.T) {
	nudger := &recordingNudger{}
	processor := newProcessor(t, nudger)
	ctx := context.Background()

	payload, header := signedEvent(t, testSecret, eventBody("evt_3", "checkout.session.completed",
		`{"id":"cs_topup_1","object":"checkout.session","metadata":{"type":"wallet_top_up","order_id":"ord_9"}}`), time.Now())
	note, err := processor.Process(ctx, payload, header)
	require.NoError(t, err)
	assert.True(t, note.TopUp)

	payload, header = signedEvent(t, testSecret, eventBody("evt_4", "customer.created", `{"id":"cus_1","object":"customer"}`), time.Now())
	note, err = processor.Process(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, "customer.created", note.Type)
	assert.Empty(t, note.OrderID)

	assert.Empty(t, nudger.nudged)
}

func TestWebhookProcessorRejectsBadSignatures(t *testing.T) {
	nudger := &recordingNudger{}
	processor := newProcessor(t, nudger)
	body := eventBody("evt_5", "checkout.session.completed", `{"metadata":{"order_id":"ord_1"}}`)

	cases := map[string]func() ([]byte, string){
		"wrong secret": func() ([]byte, string) { return signedEvent(t, "whsec_other", body, time.Now()) },
		"too old":      func() ([]byte, string) { return signedEvent(t, testSecret, body, time.Now().Add(-time.Hour)) },
		"missing":      func() ([]byte, string) { return []byte(body), "" },
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			payload, header := build()
			_, err := processor.Process(context.Background(), payload, header)
			require.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
	assert.Empty(t, nudger.nudged)
}

func TestWebhookProcessorDisabledWithoutSecret(t *testing.T) {
	processor, err := NewWebhookProcessor(WebhookProcessorDeps{Orders: &recordingNudger{}})
	require.NoError(t, err)
	assert.False(t, processor.Enabled())

	_, err = processor.Process(context.Background(), []byte(`{}`), "t=1,v1=abc")
	require.ErrorIs(t, err, ErrWebhookDisabled)

	_, err = NewWebhookProcessor(WebhookProcessorDeps{Secret: testSecret})
	require.Error(t, err)
}
