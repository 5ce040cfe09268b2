package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rutaescolar/bus-watcher/internal/alert"
	"github.com/rutaescolar/bus-watcher/internal/store"
)

// ErrRecipientUnreachable marks a guardian with no usable push delivery
// target. Callers may use it to decide whether to clear stale targets;
// this package only reports it.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// TokenSource resolves a guardian's registered push delivery token.
type TokenSource interface {
	GuardianDeviceToken(ctx context.Context, guardianID string) (string, error)
}

// Message is the push notification handed to the delivery worker through
// the alerts exchange.
type Message struct {
	ID    string            `json:"id"`
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// Publisher publishes one message to the alerts exchange and reports the
// broker's verdict. Satisfied by Client.
type Publisher interface {
	Publish(ctx context.Context, data amqp.Publishing, routingKey string) error
}

// AMQPSink publishes proximity notifications to the alerts exchange with
// publisher confirms, so every dispatch reports success or failure.
type AMQPSink struct {
	client Publisher
	tokens TokenSource
}

// NewAMQPSink creates the production notification sink.
func NewAMQPSink(client Publisher, tokens TokenSource) *AMQPSink {
	return &AMQPSink{client: client, tokens: tokens}
}

// Notify resolves the guardian's delivery token and publishes the alert.
// A guardian without a registered token is a recipient-unreachable
// failure, distinguishable from transient broker trouble.
func (s *AMQPSink) Notify(ctx context.Context, n alert.Notification) error {
	token, err := s.tokens.GuardianDeviceToken(ctx, n.GuardianID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: guardian %s has no delivery token", ErrRecipientUnreachable, n.GuardianID)
	}
	if err != nil {
		return fmt.Errorf("resolve guardian token: %w", err)
	}

	msg := Message{
		ID:    uuid.NewString(),
		Token: token,
		Title: title(n),
		Body:  body(n),
		Data: map[string]string{
			"type":            "bus_proximity",
			"band":            string(n.Band),
			"rider_id":        n.RiderID,
			"rider_name":      n.RiderName,
			"vehicle_plate":   n.VehiclePlate,
			"distance_meters": strconv.Itoa(int(n.DistanceMeters)),
			"timestamp":       n.At.Format(time.RFC3339),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := s.client.Publish(ctx, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    n.At,
		Body:         data,
	}, alertRoutingKey); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func title(n alert.Notification) string {
	if n.Band == alert.BandNear {
		return "The bus is arriving"
	}
	return "The bus is approaching"
}

func body(n alert.Notification) string {
	return fmt.Sprintf("Bus %s is %d m from %s's pickup point",
		n.VehiclePlate, int(n.DistanceMeters), n.RiderName)
}
