package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer uses a RabbitMQ fanout exchange as the push channel. Each
// connection binds an exclusive auto-delete queue to the exchange and
// publishes outbound frames back to it, skipping its own publications.
type AMQPDialer struct {
	URL      string
	Exchange string
	ClientID string
}

func (d *AMQPDialer) Dial(ctx context.Context) (Conn, error) {
	if d == nil || strings.TrimSpace(d.URL) == "" || strings.TrimSpace(d.Exchange) == "" {
		return nil, ErrInvalidInput
	}
	clientID := strings.TrimSpace(d.ClientID)
	if clientID == "" {
		clientID = "leadboard-" + uuid.NewString()
	}
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	conn, err := amqp.DialConfig(d.URL, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	fail := func(err error) (Conn, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(d.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return fail(err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail(err)
	}
	if err := ch.QueueBind(q.Name, "", d.Exchange, false, nil); err != nil {
		return fail(err)
	}
	deliveries, err := ch.Consume(q.Name, clientID, true, true, false, false, nil)
	if err != nil {
		return fail(err)
	}
	if ctx.Err() != nil {
		return fail(ctx.Err())
	}
	return &amqpConn{
		conn:       conn,
		ch:         ch,
		exchange:   d.Exchange,
		clientID:   clientID,
		deliveries: deliveries,
		closed:     conn.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

type amqpConn struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	clientID   string
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
}

func (c *amqpConn) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case amqpErr, ok := <-c.closed:
			if ok && amqpErr != nil {
				return nil, amqpErr
			}
			return nil, errors.New("amqp connection closed")
		case delivery, ok := <-c.deliveries:
			if !ok {
				return nil, errors.New("amqp delivery channel closed")
			}
			if skipOwnDelivery(delivery.AppId, c.clientID) {
				continue
			}
			return delivery.Body, nil
		}
	}
}

func (c *amqpConn) Write(ctx context.Context, data []byte) error {
	return c.ch.PublishWithContext(ctx, c.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		AppId:       c.clientID,
		Timestamp:   time.Now().UTC(),
		Body:        data,
	})
}

func (c *amqpConn) Close() error {
	_ = c.ch.Close()
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

func skipOwnDelivery(appID, clientID string) bool {
	return appID != "" && appID == clientID
}
