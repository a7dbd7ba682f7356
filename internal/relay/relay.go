// Package relay connects the sync service to Redis pub/sub: node events published by
// the tree store come in on one channel and bridge events go out on another.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"tblbridge/api/internal/bridge"
	"tblbridge/api/internal/syncsvc"
	"tblbridge/api/internal/tree"
)

const (
	DefaultNodeChannel  = "tbl-bridge:nodes"
	DefaultEventChannel = "tbl-bridge:events"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpBulk   Op = "bulk"
)

var ErrUnknownOp = errors.New("unknown node operation")

// Message is one node event on the node channel. Delete carries only NodeID; bulk
// carries Nodes.
type Message struct {
	Op     Op          `json:"op"`
	Node   *tree.Node  `json:"node,omitempty"`
	NodeID string      `json:"nodeId,omitempty"`
	Nodes  []tree.Node `json:"nodes,omitempty"`
}

// Handler is the producer-facing side of the sync service.
type Handler interface {
	NodeCreated(ctx context.Context, node tree.Node) (bridge.Outcome, error)
	NodeUpdated(ctx context.Context, node tree.Node) (bridge.Outcome, error)
	NodeDeleted(ctx context.Context, id string) (bridge.Record, bool, error)
	BulkSync(ctx context.Context, nodes []tree.Node) (syncsvc.BulkResult, error)
}

type Relay struct {
	client       *redis.Client
	nodeChannel  string
	eventChannel string
	logger       *log.Logger
}

type Option func(*Relay)

func WithChannels(nodeChannel, eventChannel string) Option {
	return func(r *Relay) {
		if strings.TrimSpace(nodeChannel) != "" {
			r.nodeChannel = nodeChannel
		}
		if strings.TrimSpace(eventChannel) != "" {
			r.eventChannel = eventChannel
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

func New(client *redis.Client, opts ...Option) *Relay {
	r := &Relay{
		client:       client,
		nodeChannel:  DefaultNodeChannel,
		eventChannel: DefaultEventChannel,
		logger:       log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Consumer is a confirmed subscription to the node channel.
type Consumer struct {
	relay  *Relay
	pubsub *redis.PubSub
}

// Subscribe subscribes to the node channel and waits for Redis to confirm it, so
// messages published after it returns are not lost.
func (r *Relay) Subscribe(ctx context.Context) (*Consumer, error) {
	pubsub := r.client.Subscribe(ctx, r.nodeChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to channel %s: %w", r.nodeChannel, err)
	}
	return &Consumer{relay: r, pubsub: pubsub}, nil
}

// Run hands every node message to h until ctx is done or the subscription closes.
// Messages are applied one at a time in arrival order. A malformed message or a failed
// operation is logged and skipped.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	defer c.pubsub.Close()
	ch := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				c.relay.logger.Printf("relay: skip malformed message on %s: %v", msg.Channel, err)
				continue
			}
			if err := Apply(ctx, h, m); err != nil {
				c.relay.logger.Printf("relay: %s: %v", m.Op, err)
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.pubsub.Close()
}

// Apply dispatches one message to the matching handler operation.
func Apply(ctx context.Context, h Handler, m Message) error {
	switch m.Op {
	case OpCreate, OpUpdate:
		if m.Node == nil {
			return fmt.Errorf("%s message without node", m.Op)
		}
		var err error
		if m.Op == OpCreate {
			_, err = h.NodeCreated(ctx, *m.Node)
		} else {
			_, err = h.NodeUpdated(ctx, *m.Node)
		}
		if err != nil {
			return fmt.Errorf("node %s: %w", m.Node.ID, err)
		}
		return nil
	case OpDelete:
		id := m.NodeID
		if id == "" && m.Node != nil {
			id = m.Node.ID
		}
		if id == "" {
			return errors.New("delete message without node id")
		}
		if _, _, err := h.NodeDeleted(ctx, id); err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		return nil
	case OpBulk:
		if _, err := h.BulkSync(ctx, m.Nodes); err != nil {
			return fmt.Errorf("bulk sync of %d nodes: %w", len(m.Nodes), err)
		}
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownOp, string(m.Op))
	}
}

// Publish sends a bridge event to the event channel.
func (r *Relay) Publish(ctx context.Context, event syncsvc.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.eventChannel, data).Err(); err != nil {
		return fmt.Errorf("publish to channel %s: %w", r.eventChannel, err)
	}
	return nil
}

// Subscriber adapts Publish to the sync service subscriber signature.
func (r *Relay) Subscriber() syncsvc.Subscriber {
	return r.Publish
}
