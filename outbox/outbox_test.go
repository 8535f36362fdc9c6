package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/loans"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func saleIntent(t *testing.T) loans.Intent {
	t.Helper()
	in, err := loans.NewIntent("sale-1", loans.IntentSale, "loan-1", "det-1",
		loans.SaleIntent{ID: "sale-1", Product: "P"}, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return in
}

func TestKafkaPublisher_WritesKeyedMessagePerKind(t *testing.T) {
	// GIVEN: A publisher with prefix "erp.loans"
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "erp.loans", nil)

	// WHEN: A sale intent is published
	ref, err := p.Publish(context.Background(), saleIntent(t))

	// THEN: One message on erp.loans.sale keyed by the transfer
	require.NoError(t, err)
	assert.Equal(t, "erp.loans.sale/sale-1", ref)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "erp.loans.sale", w.msgs[0].Topic)
	assert.Equal(t, "loan-1", string(w.msgs[0].Key))
	assert.JSONEq(t, string(saleIntent(t).Payload), string(w.msgs[0].Value))
	assert.Equal(t, "intent_id", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "sale-1", string(w.msgs[0].Headers[0].Value))
}

func TestKafkaPublisher_WriteErrorIsReturned(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, "", nil)

	_, err := p.Publish(context.Background(), saleIntent(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, "loans.sale", p.Topic(loans.IntentSale))
}

type refPublisher string

func (r refPublisher) Publish(context.Context, loans.Intent) (string, error) {
	return string(r), nil
}

func TestChain_FirstReferenceWins(t *testing.T) {
	c := Chain{LogPublisher{}, refPublisher("SO/1"), refPublisher("SO/2")}

	ref, err := c.Publish(context.Background(), saleIntent(t))

	require.NoError(t, err)
	assert.Equal(t, "SO/1", ref)
}
