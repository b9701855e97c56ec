/*
Package product delivers ledger closing balances to the Product aggregate.

SINKS:
  - KafkaPublisher: stock.updated events for downstream product caches
  - Breaker:        circuit breaker around any other sink
  - Fanout:         several sinks behind one ledger.StockSink
  - store/sqlite, store/mongo: write products.currentStock directly

Every sink returns its error; the ledger engine logs it and moves on.
*/
package product

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/warp/concession-ledger/ledger"
)

// EventStockUpdated is the event-type header of every published message.
const EventStockUpdated = "product.stock.updated"

// StockEvent is the message body.
type StockEvent struct {
	Type         string          `json:"type"`
	TheaterID    string          `json:"theaterId"`
	ProductID    string          `json:"productId"`
	CurrentStock decimal.Decimal `json:"currentStock"`
	Month        string          `json:"month"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements ledger.StockSink by publishing StockEvents.
// Messages are keyed by theater/product so one product's updates stay in
// order on one partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	now     func() time.Time
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(writer)
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second, now: time.Now}
}

func (p *KafkaPublisher) UpdateProductStock(ctx context.Context, productID ledger.ProductID, theaterID ledger.TheaterID, update ledger.StockUpdate) error {
	event := StockEvent{
		Type:         EventStockUpdated,
		TheaterID:    string(theaterID),
		ProductID:    string(productID),
		CurrentStock: update.CurrentStock,
		Month:        update.Month.String(),
		OccurredAt:   p.now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stock event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(ledger.StockKey{TheaterID: theaterID, ProductID: productID}.String()),
		Value: body,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write stock event to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
