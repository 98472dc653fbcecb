// Package progress is the per-merchant event bus between the workflow
// engine and its clients. Delivery is best-effort pub/sub over the broker:
// no replay, no ordering guarantee across stages, and publishing never
// fails the operation that emitted the event.
package progress

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/queue"
)

// Kind selects one of the four per-merchant topics.
type Kind string

const (
	KindProgress   Kind = "progress"
	KindStage      Kind = "stage"
	KindCompletion Kind = "completion"
	KindError      Kind = "error"
)

// Kinds lists every topic a merchant subscription covers.
var Kinds = []Kind{KindProgress, KindStage, KindCompletion, KindError}

// Event is the wire envelope. The bus carries no severity field; clients
// derive severity from the message text (see Severity).
type Event struct {
	Type       string                 `json:"type"`
	POID       string                 `json:"poId,omitempty"`
	WorkflowID string                 `json:"workflowId,omitempty"`
	Stage      string                 `json:"stage,omitempty"`
	Progress   int                    `json:"progress"`
	Message    string                 `json:"message"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Message is one delivered event plus the topic kind it arrived on. The
// payload stays raw JSON so the SSE endpoint can forward it verbatim.
type Message struct {
	Kind    Kind
	Payload []byte
}

// subscriberBuffer bounds one subscriber's backlog. A slow consumer loses
// its oldest messages rather than stalling the forwarding goroutine.
const subscriberBuffer = 64

// Bus publishes on the commands connection and subscribes on the dedicated
// pub/sub connection, so a subscribed socket never blocks a command.
type Bus struct {
	conns  *queue.Connections
	prefix string
	log    *logrus.Entry
}

// NewBus creates the bus on the shared broker connections.
func NewBus(conns *queue.Connections, keyPrefix string) *Bus {
	if keyPrefix == "" {
		keyPrefix = "poflow"
	}
	return &Bus{
		conns:  conns,
		prefix: keyPrefix,
		log:    poflow.Component("progress"),
	}
}

func (b *Bus) topic(merchantID string, kind Kind) string {
	return b.prefix + ":" + merchantID + ":" + string(kind)
}

// Publish emits one event on the merchant's topic for the given kind.
// Fire-and-forget: failures are logged and swallowed, so a broker hiccup
// cannot fail the workflow operation that reported its progress.
func (b *Bus) Publish(ctx context.Context, merchantID string, kind Kind, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.WithError(err).WithField("merchant", merchantID).Warn("failed to marshal progress event")
		return
	}
	if err := b.conns.Commands.Publish(ctx, b.topic(merchantID, kind), data).Err(); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"merchant": merchantID,
			"kind":     kind,
		}).Warn("failed to publish progress event")
	}
}

// Subscription is one merchant's live event feed across all four topics.
type Subscription struct {
	events chan Message
	pubsub *redis.PubSub
	once   sync.Once
}

// Events delivers messages until the subscription closes. The channel is
// closed by Close or when the subscribing context ends.
func (s *Subscription) Events() <-chan Message {
	return s.events
}

// Close unsubscribes and releases the forwarding goroutine. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
}

// Subscribe opens a feed over the merchant's four topics. There is no
// replay: messages published while a client is disconnected are gone.
func (b *Bus) Subscribe(ctx context.Context, merchantID string) (*Subscription, error) {
	topics := make([]string, 0, len(Kinds))
	for _, kind := range Kinds {
		topics = append(topics, b.topic(merchantID, kind))
	}

	pubsub := b.conns.Subscribe.Subscribe(ctx, topics...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, poflow.Transient("progress.Subscribe", err)
	}

	sub := &Subscription{
		events: make(chan Message, subscriberBuffer),
		pubsub: pubsub,
	}

	go func() {
		defer close(sub.events)
		defer sub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				m := Message{
					Kind:    kindFromTopic(msg.Channel),
					Payload: []byte(msg.Payload),
				}
				select {
				case sub.events <- m:
				default:
					// Full buffer: evict the oldest so the feed stays
					// current. Clients tolerate drop by contract.
					select {
					case <-sub.events:
					default:
					}
					select {
					case sub.events <- m:
					default:
					}
					b.log.WithField("merchant", merchantID).Debug("slow subscriber, dropped oldest event")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// kindFromTopic recovers the topic kind from a full channel name.
func kindFromTopic(channel string) Kind {
	if i := strings.LastIndexByte(channel, ':'); i >= 0 {
		return Kind(channel[i+1:])
	}
	return Kind(channel)
}
