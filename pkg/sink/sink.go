// Package sink forwards committed records to downstream consumers. Outputs
// only ever see records whose window has been written to the store.
package sink

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/84hero/token-indexer/internal/webhook"
	"github.com/84hero/token-indexer/pkg/scanner"
	"github.com/IBM/sarama"
	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/log"
	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Message is one committed record.
type Message struct {
	Stream    string         `json:"stream"`
	Kind      string         `json:"kind"`
	FromBlock uint64         `json:"from_block"`
	ToBlock   uint64         `json:"to_block"`
	Record    scanner.Record `json:"record"`
}

// Digest identifies the record independent of the window it arrived in.
func (m Message) Digest() (string, error) {
	data, err := json.Marshal(m.Record)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(m.Stream))
	h.Write([]byte{0})
	h.Write([]byte(m.Kind))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Output defines the interface for a downstream pipeline
type Output interface {
	Name() string
	Send(ctx context.Context, msgs []Message) error
	Close() error
}

// Publisher fans committed records out to every output. It implements
// scanner.Publisher.
type Publisher struct {
	outputs []Output
}

func NewPublisher(outputs ...Output) *Publisher {
	return &Publisher{outputs: outputs}
}

func (p *Publisher) Publish(ctx context.Context, stream string, w scanner.Window, records []scanner.Record) error {
	if len(records) == 0 || len(p.outputs) == 0 {
		return nil
	}
	msgs := make([]Message, len(records))
	for i, r := range records {
		msgs[i] = Message{Stream: stream, Kind: r.Kind(), FromBlock: w.From, ToBlock: w.To, Record: r}
	}

	errs := make([]error, len(p.outputs))
	var wg sync.WaitGroup
	for i, out := range p.outputs {
		wg.Add(1)
		go func(i int, o Output) {
			defer wg.Done()
			if err := o.Send(ctx, msgs); err != nil {
				errs[i] = fmt.Errorf("%s: %w", o.Name(), err)
			}
		}(i, out)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Publisher) Close() error {
	var errs []error
	for _, o := range p.outputs {
		if err := o.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// --- 1. Webhook Output ---

type WebhookOutput struct {
	client   *webhook.Client
	async    bool
	queue    chan webhook.Payload
	wg       sync.WaitGroup
	closed   bool
	closedMu sync.Mutex
}

type WebhookConfig struct {
	webhook.Config `mapstructure:",squash"`

	Async      bool `mapstructure:"async"`
	BufferSize int  `mapstructure:"buffer_size"`
	Workers    int  `mapstructure:"workers"`
}

func NewWebhookOutput(cfg WebhookConfig) *WebhookOutput {
	wo := &WebhookOutput{
		client: webhook.NewClient(cfg.Config),
		async:  cfg.Async,
	}

	if cfg.Async {
		if cfg.BufferSize <= 0 {
			cfg.BufferSize = 1000
		}
		if cfg.Workers <= 0 {
			cfg.Workers = 1
		}
		wo.queue = make(chan webhook.Payload, cfg.BufferSize)
		for i := 0; i < cfg.Workers; i++ {
			wo.wg.Add(1)
			go wo.worker()
		}
	}

	return wo
}

func (w *WebhookOutput) Name() string { return "webhook" }

func (w *WebhookOutput) worker() {
	defer w.wg.Done()
	for p := range w.queue {
		if err := w.client.Send(context.Background(), p); err != nil {
			log.Error("Async webhook delivery failed", "stream", p.Stream, "from", p.FromBlock, "to", p.ToBlock, "err", err)
		}
	}
}

func toPayload(msgs []Message) (webhook.Payload, error) {
	var p webhook.Payload
	if len(msgs) == 0 {
		return p, nil
	}
	p.Stream, p.FromBlock, p.ToBlock = msgs[0].Stream, msgs[0].FromBlock, msgs[0].ToBlock
	p.Records = make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m.Record)
		if err != nil {
			return p, err
		}
		p.Records = append(p.Records, data)
	}
	return p, nil
}

func (w *WebhookOutput) Send(ctx context.Context, msgs []Message) error {
	payload, err := toPayload(msgs)
	if err != nil {
		return err
	}

	if w.async {
		w.closedMu.Lock()
		defer w.closedMu.Unlock()
		if w.closed {
			return fmt.Errorf("webhook output is closed")
		}
		select {
		case w.queue <- payload:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.client.Send(ctx, payload)
}

func (w *WebhookOutput) Close() error {
	if w.async {
		w.closedMu.Lock()
		if !w.closed {
			w.closed = true
			close(w.queue)
		}
		w.closedMu.Unlock()
		w.wg.Wait()
	}
	return nil
}

// --- 2. File Output ---

// FileOutput appends one JSON line per message.
type FileOutput struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{path: path, file: f}, nil
}

func (f *FileOutput) Name() string { return "file" }

func (f *FileOutput) Send(ctx context.Context, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := json.NewEncoder(f.file)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileOutput) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// --- 3. Console Output ---

type ConsoleOutput struct {
	mu sync.Mutex
}

func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Send(ctx context.Context, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc := json.NewEncoder(os.Stdout)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

// --- 4. PostgreSQL Output ---

// PostgresOutput archives messages into a JSONB table. Replays are absorbed
// by the digest key.
type PostgresOutput struct {
	db    *sql.DB
	table string
}

var tableName = regexp.MustCompile("^[a-zA-Z0-9_]+$")

func NewPostgresOutput(url, table string) (*PostgresOutput, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	p, err := NewPostgresOutputFromDB(context.Background(), db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresOutputFromDB uses an open database and creates the table.
func NewPostgresOutputFromDB(ctx context.Context, db *sql.DB, table string) (*PostgresOutput, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			digest TEXT PRIMARY KEY,
			stream TEXT NOT NULL,
			kind TEXT NOT NULL,
			from_block BIGINT NOT NULL,
			to_block BIGINT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_stream_block ON %s (stream, to_block);
	`, table, table, table)
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &PostgresOutput{db: db, table: table}, nil
}

func (p *PostgresOutput) Name() string { return "postgres" }

func (p *PostgresOutput) Send(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	insert := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Insert(p.table).
		Columns("digest", "stream", "kind", "from_block", "to_block", "data").
		Suffix("ON CONFLICT (digest) DO NOTHING")
	for _, m := range msgs {
		digest, err := m.Digest()
		if err != nil {
			return err
		}
		data, err := json.Marshal(m.Record)
		if err != nil {
			return err
		}
		insert = insert.Values(digest, m.Stream, m.Kind, m.FromBlock, m.ToBlock, data)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresOutput) Close() error { return p.db.Close() }

// --- 5. Redis Output ---

type RedisOutput struct {
	client *redis.Client
	key    string
	mode   string // "list" (LPUSH) or "pubsub"
}

func NewRedisOutput(addr, password string, db int, key, mode string) (*RedisOutput, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &RedisOutput{client: rdb, key: key, mode: mode}, nil
}

func (r *RedisOutput) Name() string { return "redis" }

func (r *RedisOutput) Send(ctx context.Context, msgs []Message) error {
	pipe := r.client.Pipeline()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if r.mode == "pubsub" {
			pipe.Publish(ctx, r.key, data)
		} else {
			pipe.LPush(ctx, r.key, data)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisOutput) Close() error { return r.client.Close() }

// --- 6. Kafka Output ---

// KafkaOutput keys messages by stream so one stream stays ordered within a
// partition.
type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOutput(brokers []string, topic, user, password string) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	if user != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = user
		config.Net.SASL.Password = password
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaOutputWithProducer(producer, topic), nil
}

func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topic string) *KafkaOutput {
	return &KafkaOutput{producer: producer, topic: topic}
}

func (k *KafkaOutput) Name() string { return "kafka" }

func (k *KafkaOutput) Send(ctx context.Context, msgs []Message) error {
	out := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		out = append(out, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(m.Stream),
			Value: sarama.ByteEncoder(data),
		})
	}
	return k.producer.SendMessages(out)
}

func (k *KafkaOutput) Close() error { return k.producer.Close() }

// --- 7. RabbitMQ Output ---

type RabbitMQOutput struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

func NewRabbitMQOutput(url, exchange, routingKey, queueName string, durable bool) (*RabbitMQOutput, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	if queueName != "" {
		q, err := ch.QueueDeclare(queueName, durable, false, false, false, nil)
		if err == nil && exchange != "" {
			err = ch.QueueBind(q.Name, bindingKey(routingKey), exchange, false, nil)
		}
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	return &RabbitMQOutput{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

// bindingKey matches every stream when no routing key is configured.
func bindingKey(routingKey string) string {
	if routingKey == "" {
		return "#"
	}
	return routingKey
}

func (r *RabbitMQOutput) Name() string { return "rabbitmq" }

// routing returns the configured key, or the stream name.
func (r *RabbitMQOutput) routing(m Message) string {
	if r.routingKey != "" {
		return r.routingKey
	}
	return m.Stream
}

func (r *RabbitMQOutput) Send(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		err = r.ch.PublishWithContext(ctx, r.exchange, r.routing(m), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         m.Kind,
			Body:         data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitMQOutput) Close() error {
	r.ch.Close()
	return r.conn.Close()
}
