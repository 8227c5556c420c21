// Package events publishes committed prizes to downstream redemption.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RoutingPrizeAwarded is the routing key of PrizeAwarded messages.
const RoutingPrizeAwarded = "wheel.prize.awarded"

const (
	reconnectBackoff    = 200 * time.Millisecond
	maxReconnectBackoff = 10 * time.Second
)

var errPublisherClosed = errors.New("amqp publisher closed")

// PrizeAwarded is emitted once per committed spin.
type PrizeAwarded struct {
	SpinID      string          `json:"spinId"`
	UserID      string          `json:"userId"`
	WheelID     string          `json:"wheelId"`
	PrizeID     string          `json:"prizeId"`
	PayoutType  string          `json:"payoutType"`
	PayoutValue decimal.Decimal `json:"payoutValue"`
	At          time.Time       `json:"at"`
}

type Publisher interface {
	PublishPrizeAwarded(ctx context.Context, ev PrizeAwarded) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishPrizeAwarded(context.Context, PrizeAwarded) error { return nil }
func (Nop) Close() error { return nil }

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// link is one broker connection and its publishing channel.
type link struct {
	ch     channel
	conn   io.Closer
	closed <-chan *amqp.Error
}

func (l *link) close() error {
	err := l.ch.Close()
	if l.conn != nil {
		if cerr := l.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type dialFunc func() (*link, error)

// AMQPPublisher publishes persistent JSON messages to a durable topic exchange.
// When the broker drops the connection it redials in the background; a
// publish that finds no live link dials once itself.
type AMQPPublisher struct {
	mu       sync.Mutex
	link     *link
	dial     dialFunc
	exchange string
	backoff  time.Duration
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	watches sync.WaitGroup
}

// DialAMQP connects and declares the exchange.
func DialAMQP(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		return nil, errors.New("amqp exchange is required")
	}
	return newAMQPPublisher(exchange, amqpDialer(url, exchange), logger)
}

func amqpDialer(url, exchange string) dialFunc {
	return func() (*link, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(
			exchange,
			amqp.ExchangeTopic,
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
		}
		return &link{ch: ch, conn: conn, closed: conn.NotifyClose(make(chan *amqp.Error, 1))}, nil
	}
}

func newAMQPPublisher(exchange string, dial dialFunc, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &AMQPPublisher{
		dial:     dial,
		exchange: exchange,
		backoff:  reconnectBackoff,
		logger:   logger.With(zap.String("exchange", exchange)),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

// connectLocked dials a new link when there is none. Callers hold p.mu.
func (p *AMQPPublisher) connectLocked() error {
	if p.ctx.Err() != nil {
		return errPublisherClosed
	}
	if p.link != nil {
		return nil
	}
	l, err := p.dial()
	if err != nil {
		return err
	}
	p.link = l
	p.watches.Add(1)
	go p.watch(l)
	return nil
}

// drop discards l if it is still the live link.
func (p *AMQPPublisher) drop(l *link) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != l {
		return false
	}
	p.link = nil
	l.close()
	return true
}

func (p *AMQPPublisher) watch(l *link) {
	defer p.watches.Done()
	var cause *amqp.Error
	select {
	case <-p.ctx.Done():
		return
	case cause = <-l.closed:
	}
	if !p.drop(l) || p.ctx.Err() != nil {
		return
	}
	if cause != nil {
		p.logger.Warn("amqp connection lost, reconnecting", zap.Int("code", cause.Code), zap.String("reason", cause.Reason))
	} else {
		p.logger.Warn("amqp connection closed, reconnecting")
	}

	b := retry.WithCappedDuration(maxReconnectBackoff, retry.NewExponential(p.backoff))
	err := retry.Do(p.ctx, b, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if err := p.connectLocked(); err != nil {
			if errors.Is(err, errPublisherClosed) {
				return err
			}
			p.logger.Warn("amqp redial failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		p.logger.Info("amqp connection restored")
	}
}

func (p *AMQPPublisher) PublishPrizeAwarded(ctx context.Context, ev PrizeAwarded) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    ev.SpinID,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
	}

	// amqp channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return fmt.Errorf("amqp reconnect: %w", err)
	}
	err = p.link.ch.Publish(p.exchange, RoutingPrizeAwarded, false, false, msg)
	if !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	// The close notification has not been handled yet.
	p.link.close()
	p.link = nil
	if cerr := p.connectLocked(); cerr != nil {
		return err
	}
	return p.link.ch.Publish(p.exchange, RoutingPrizeAwarded, false, false, msg)
}

func (p *AMQPPublisher) Close() error {
	p.cancel()
	p.mu.Lock()
	var err error
	if p.link != nil {
		err = p.link.close()
		p.link = nil
	}
	p.mu.Unlock()
	p.watches.Wait()
	return err
}
