// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package broadcast implements the backbone broker adapter (C1): it lets
// every OPAL server replica republish events so that all replicas' hubs
// stay in sync regardless of which replica a given client or datasource
// talks to. Three backends are supported, selected by URI scheme, plus
// an in-process adapter for single-replica deployments.
package broadcast

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/segmentio/kafka-go"
)

// Message is a single backbone event: a topic plus an opaque payload
// the subscriber hands back to the caller unexamined.
type Message struct {
	Channel string
	Payload []byte
}

// Adapter republishes local events to every other server replica and
// delivers events originating on other replicas to the local callback.
type Adapter interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, onMessage func(Message)) error
	Close() error
}

// New builds the adapter indicated by uri's scheme: "postgres"/"postgresql"
// for LISTEN/NOTIFY, "redis" for Redis pub/sub, "kafka" for a Kafka
// consumer-group backend, or "" for an in-process adapter (delivering
// only to subscribers in this process) used by single-replica
// deployments and tests.
func New(uri string, keepalive time.Duration) (Adapter, error) {
	if uri == "" {
		return NewLocal(), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("broadcast: invalid uri %q: %w", uri, err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return newPostgresAdapter(uri, keepalive)
	case "redis", "rediss":
		return newRedisAdapter(uri)
	case "kafka":
		return newKafkaAdapter(u)
	default:
		return nil, fmt.Errorf("broadcast: unsupported backbone scheme %q", u.Scheme)
	}
}

// KeepaliveChannel is the reserved topic used to detect a silently dead
// backbone: every replica publishes to it on a timer and watches for
// messages (its own and its peers') arriving on schedule.
const KeepaliveChannel = "__opal_keepalive__"

// Keepalive periodically publishes a heartbeat on KeepaliveChannel and
// tracks the last time any heartbeat (this replica's or a peer's) was
// observed, so a caller can surface a silently failed backbone in its
// health check instead of discovering it only when a policy update goes
// missing.
type Keepalive struct {
	mu       sync.Mutex
	lastSeen time.Time
}

// Start subscribes to the keepalive channel and begins publishing to it
// every interval until ctx is cancelled. It returns immediately; errors
// publishing or subscribing are logged, not returned, since a dead
// keepalive should degrade health reporting, not crash the server.
func (k *Keepalive) Start(ctx context.Context, adapter Adapter, interval time.Duration) {
	k.mu.Lock()
	k.lastSeen = time.Now()
	k.mu.Unlock()

	if err := adapter.Subscribe(ctx, KeepaliveChannel, func(Message) {
		k.mu.Lock()
		k.lastSeen = time.Now()
		k.mu.Unlock()
	}); err != nil {
		log.Printf("broadcast: keepalive subscribe failed: %v", err)
		return
	}

	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := adapter.Publish(ctx, KeepaliveChannel, []byte(time.Now().Format(time.RFC3339))); err != nil {
					log.Printf("broadcast: keepalive publish failed: %v", err)
				}
			}
		}
	}()
}

// Healthy reports whether a heartbeat has been observed within
// maxSilence. A Keepalive that was never Start()ed has nothing to
// report on and is treated as healthy rather than silently failed.
func (k *Keepalive) Healthy(maxSilence time.Duration) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.lastSeen.IsZero() {
		return true
	}
	return time.Since(k.lastSeen) <= maxSilence
}

// Local is an in-process adapter: Publish calls every Subscribe callback
// registered for the same channel directly, with no cross-process
// fan-out. It exists so a single-replica OPAL server needs no external
// broker.
type Local struct {
	mu   sync.RWMutex
	subs map[string][]func(Message)
}

// NewLocal constructs an in-process broadcast adapter.
func NewLocal() *Local {
	return &Local{subs: make(map[string][]func(Message))}
}

func (l *Local) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, cb := range l.subs[channel] {
		cb(Message{Channel: channel, Payload: payload})
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, channel string, onMessage func(Message)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[channel] = append(l.subs[channel], onMessage)
	return nil
}

func (l *Local) Close() error { return nil }

// postgresAdapter uses LISTEN/NOTIFY the same way the teacher's
// database package opens connections: a dedicated *sql.DB for DDL/query
// use plus a pq.Listener for the notification stream.
type postgresAdapter struct {
	db       *sql.DB
	listener *pq.Listener
}

func newPostgresAdapter(uri string, keepalive time.Duration) (*postgresAdapter, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("broadcast: postgres open failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("broadcast: postgres ping failed: %w", err)
	}

	listener := pq.NewListener(uri, 10*time.Second, keepalive, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("broadcast: postgres listener event error: %v", err)
		}
	})

	return &postgresAdapter{db: db, listener: listener}, nil
}

func (p *postgresAdapter) Publish(_ context.Context, channel string, payload []byte) error {
	_, err := p.db.Exec(`SELECT pg_notify($1, $2)`, channel, string(payload))
	if err != nil {
		return fmt.Errorf("broadcast: pg_notify failed: %w", err)
	}
	return nil
}

func (p *postgresAdapter) Subscribe(ctx context.Context, channel string, onMessage func(Message)) error {
	if err := p.listener.Listen(channel); err != nil && err != pq.ErrChannelAlreadyOpen {
		return fmt.Errorf("broadcast: LISTEN %s failed: %w", channel, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-p.listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					continue
				}
				onMessage(Message{Channel: n.Channel, Payload: []byte(n.Extra)})
			}
		}
	}()
	return nil
}

func (p *postgresAdapter) Close() error {
	if err := p.listener.Close(); err != nil {
		log.Printf("broadcast: error closing postgres listener: %v", err)
	}
	return p.db.Close()
}

// redisAdapter uses Redis Pub/Sub.
type redisAdapter struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string]*redis.PubSub
}

func newRedisAdapter(uri string) (*redisAdapter, error) {
	opt, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("broadcast: invalid redis uri: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("broadcast: redis ping failed: %w", err)
	}
	return &redisAdapter{client: client, subs: make(map[string]*redis.PubSub)}, nil
}

func (r *redisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("broadcast: redis publish failed: %w", err)
	}
	return nil
}

func (r *redisAdapter) Subscribe(ctx context.Context, channel string, onMessage func(Message)) error {
	sub := r.client.Subscribe(ctx, channel)
	r.mu.Lock()
	r.subs[channel] = sub
	r.mu.Unlock()

	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				onMessage(Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
			}
		}
	}()
	return nil
}

func (r *redisAdapter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		_ = sub.Close()
	}
	return r.client.Close()
}

// kafkaAdapter treats each channel as its own topic: one *kafka.Writer
// per topic published to, one *kafka.Reader per topic subscribed to,
// each reader on its own consumer group so every replica sees every
// message (mirroring the fan-out semantics of the postgres/redis
// adapters rather than load-balancing work across replicas).
type kafkaAdapter struct {
	brokers []string
	groupID string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
}

func newKafkaAdapter(u *url.URL) (*kafkaAdapter, error) {
	brokers := strings.Split(u.Host, ",")
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, fmt.Errorf("broadcast: kafka uri must name at least one broker")
	}
	groupID := u.Query().Get("group")
	if groupID == "" {
		groupID = fmt.Sprintf("opal-server-%d", time.Now().UnixNano())
	}
	return &kafkaAdapter{brokers: brokers, groupID: groupID, writers: make(map[string]*kafka.Writer)}, nil
}

func (k *kafkaAdapter) writerFor(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(k.brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	k.writers[topic] = w
	return w
}

func (k *kafkaAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	w := k.writerFor(channel)
	if err := w.WriteMessages(ctx, kafka.Message{Value: payload}); err != nil {
		return fmt.Errorf("broadcast: kafka publish to %q failed: %w", channel, err)
	}
	return nil
}

func (k *kafkaAdapter) Subscribe(ctx context.Context, channel string, onMessage func(Message)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		Topic:   channel,
		GroupID: k.groupID + "-" + channel,
	})

	k.mu.Lock()
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	go func() {
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("broadcast: kafka read from %q failed: %v", channel, err)
				time.Sleep(time.Second)
				continue
			}
			onMessage(Message{Channel: channel, Payload: msg.Value})
		}
	}()
	return nil
}

func (k *kafkaAdapter) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, w := range k.writers {
		_ = w.Close()
	}
	for _, r := range k.readers {
		_ = r.Close()
	}
	return nil
}
