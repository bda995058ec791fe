package messaging_test

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/messaging"
	"github.com/glimte/relaybus/serialization"
)

type placeOrder struct {
	contracts.BaseCommand
	OrderID string `json:"orderId"`
}

type orderPlaced struct {
	contracts.BaseEvent
	OrderID string `json:"orderId"`
}

type getOrder struct {
	contracts.BaseQuery
	OrderID string `json:"orderId"`
}

type orderView struct {
	OrderID string
	Status  string
}

func newPlaceOrder(id string) *placeOrder {
	return &placeOrder{BaseCommand: contracts.NewBaseCommand("PlaceOrder", "orders"), OrderID: id}
}

func newOrderPlaced(id string) *orderPlaced {
	return &orderPlaced{BaseEvent: contracts.NewBaseEvent("OrderPlaced", id, 1), OrderID: id}
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []messaging.OutgoingMessage
	err  error
}

func (t *fakeTransport) Send(_ context.Context, msg messaging.OutgoingMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Listen(ctx context.Context, _ string, _ messaging.DeliveryHandler) error {
	<-ctx.Done()
	return nil
}

func (t *fakeTransport) Close() error {
	return nil
}

func (t *fakeTransport) messages() []messaging.OutgoingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]messaging.OutgoingMessage(nil), t.sent...)
}

func (t *fakeTransport) failWith(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

type fakeDelivery struct {
	body    []byte
	headers map[string]string

	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func newDelivery(body []byte) *fakeDelivery {
	return &fakeDelivery{body: body, headers: map[string]string{}}
}

func (d *fakeDelivery) Body() []byte               { return d.body }
func (d *fakeDelivery) Headers() map[string]string { return d.headers }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks++
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacks++
	d.requeue = requeue
	return nil
}

func (d *fakeDelivery) settled() (acks, nacks int, requeue bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks, d.nacks, d.requeue
}

func encode(env *contracts.Envelope) []byte {
	b, err := serialization.NewJSONEnvelopeCodec().Encode(env)
	if err != nil {
		panic(err)
	}
	return b
}

var errBoom = errors.New("boom")
