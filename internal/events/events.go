package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wagslane/go-rabbitmq"

	"github.com/rutaescolar/bus-watcher/internal/models"
)

// PositionEvent is the fan-out payload emitted for every persisted
// position, for downstream consumers (live maps, analytics).
type PositionEvent struct {
	VehicleID  string    `json:"vehicle_id"`
	Plate      string    `json:"plate"`
	DeviceKey  string    `json:"device_key"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	Course     float64   `json:"course"`
	CapturedAt time.Time `json:"captured_at"`
	Source     string    `json:"source"`
}

// PositionPublisher publishes position events to the geolocation
// exchange.
type PositionPublisher struct {
	publisher *rabbitmq.Publisher
}

// NewPositionPublisher declares the geolocation exchange and returns a
// publisher bound to it.
func NewPositionPublisher(conn *rabbitmq.Conn) (*PositionPublisher, error) {
	publisher, err := rabbitmq.NewPublisher(
		conn,
		rabbitmq.WithPublisherOptionsLogging,
		rabbitmq.WithPublisherOptionsExchangeName("geolocation"),
		rabbitmq.WithPublisherOptionsExchangeDeclare,
	)
	if err != nil {
		return nil, fmt.Errorf("create position publisher: %w", err)
	}
	return &PositionPublisher{publisher: publisher}, nil
}

// PublishPosition emits one position event. Callers treat failure as
// non-fatal; the position is already persisted by then.
func (p *PositionPublisher) PublishPosition(ctx context.Context, vehicle models.Vehicle, pos models.Position) error {
	event := PositionEvent{
		VehicleID:  vehicle.ID,
		Plate:      vehicle.Plate,
		DeviceKey:  pos.DeviceKey,
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Speed:      pos.Speed,
		Course:     pos.Course,
		CapturedAt: pos.CapturedAt,
		Source:     pos.Source,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal position event: %w", err)
	}

	return p.publisher.PublishWithContext(
		ctx,
		data,
		[]string{"geolocation.event.created"},
		rabbitmq.WithPublishOptionsContentType("application/json"),
		rabbitmq.WithPublishOptionsPersistentDelivery,
		rabbitmq.WithPublishOptionsExchange("geolocation"))
}

// Close shuts the publisher down.
func (p *PositionPublisher) Close() {
	p.publisher.Close()
}
