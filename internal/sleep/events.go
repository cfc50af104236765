package sleep

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventStream = "somnia:cycle:events"

// CycleEvent announces cycle progress on the fleet event stream so agents
// can react, e.g. pause low-priority work during a cycle.
type CycleEvent struct {
	CycleID   string    `json:"cycle_id"`
	Phase     Phase     `json:"phase"`
	Trigger   Trigger   `json:"trigger,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Notifier publishes cycle events to a Redis stream. A nil client makes
// every publish a no-op, keeping the scheduler runnable without Redis.
type Notifier struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewNotifier(rdb *redis.Client, logger *zap.Logger) *Notifier {
	return &Notifier{rdb: rdb, logger: logger}
}

// Publish emits one event. Failures are logged and swallowed; the event
// stream is advisory and must never fail a cycle.
func (n *Notifier) Publish(ctx context.Context, ev CycleEvent) {
	if n == nil || n.rdb == nil {
		return
	}
	ev.Timestamp = time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	err = n.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		n.logger.Debug("cycle event publish failed", zap.Error(err))
	}
}

// Subscribe tails the cycle event stream. Cancel the context to stop.
func (n *Notifier) Subscribe(ctx context.Context) <-chan CycleEvent {
	ch := make(chan CycleEvent, 16)
	if n == nil || n.rdb == nil {
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)
		lastID := "$"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := n.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{eventStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev CycleEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- ev
					}
				}
			}
		}
	}()

	return ch
}
