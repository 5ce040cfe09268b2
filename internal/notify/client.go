package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// acknowledgement: connection recovery follows the amqp091-go examples
// see: https://github.com/rabbitmq/amqp091-go/blob/main/_examples/client/client.go

const (
	// When reconnecting to the broker after connection failure
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception
	reInitDelay = 2 * time.Second
)

var (
	errNotConnected  = errors.New("not connected to the broker")
	errAlreadyClosed = errors.New("already closed: not connected to the broker")
)

// Client is an auto-reconnecting AMQP publisher used for alert dispatch.
// Publishes are confirmed by the broker, so every dispatch reports
// success or failure to the caller.
type Client struct {
	m               *sync.Mutex
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
}

// NewClient creates a client and starts connecting to the broker in the
// background.
func NewClient(addr string) *Client {
	client := Client{
		m:    &sync.Mutex{},
		done: make(chan bool),
	}
	go client.handleReconnect(addr)
	return &client
}

func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		slog.Info("Connecting to alert broker")

		conn, err := client.connect(addr)
		if err != nil {
			slog.Warn("Alert broker unreachable, retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		return nil, err
	}

	client.changeConnection(conn)
	slog.Info("Connected to alert broker")
	return conn, nil
}

func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			slog.Warn("Failed to initialize alert channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				slog.Warn("Alert broker connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			slog.Warn("Alert broker connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			slog.Warn("Alert channel closed, re-running init...")
		}
	}
}

func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	if err := declareAlertEvents(ch); err != nil {
		return err
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()

	slog.Info("Alert broker client ready")
	return nil
}

func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Publish sends data to the alerts exchange and waits for the broker's
// confirmation or the context deadline, whichever comes first. A NACK or
// a timeout is a delivery failure; retrying is the caller's decision.
func (client *Client) Publish(ctx context.Context, data amqp.Publishing, routingKey string) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	confirms := client.notifyConfirm
	client.m.Unlock()

	if err := ch.PublishWithContext(ctx, alertExchange, routingKey, false, false, data); err != nil {
		return err
	}

	select {
	case confirm := <-confirms:
		if confirm.Ack {
			slog.Debug("Alert publish confirmed", "deliveryTag", confirm.DeliveryTag)
			return nil
		}
		return errors.New("broker rejected alert publish")
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return errAlreadyClosed
	}
}

// Close cleanly shuts down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	if !client.isReady {
		return errAlreadyClosed
	}
	close(client.done)
	if err := client.channel.Close(); err != nil {
		return err
	}
	if err := client.connection.Close(); err != nil {
		return err
	}

	client.isReady = false
	return nil
}

const (
	alertExchange   = "alerts"
	alertQueue      = "proximityAlerts"
	alertRoutingKey = "alert.event.proximity"
)

func declareAlertEvents(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		alertExchange, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare(
		alertQueue, // name
		true,       // durable
		false,      // delete when unused
		false,      // exclusive
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return err
	}

	return ch.QueueBind(
		q.Name,
		alertRoutingKey,
		alertExchange,
		false,
		nil,
	)
}
