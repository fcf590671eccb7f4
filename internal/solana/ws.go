package solana

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport is a live push subscription to the Solana feed.
type Transport interface {
	// Connect opens the connection and re-issues the current subscription.
	Connect(ctx context.Context) error

	// Subscribe records sub and sends it now if open, otherwise on the next open.
	Subscribe(sub Subscription) error

	// Unsubscribe drops the recorded subscription.
	Unsubscribe() error

	// Send queues payload for writing. Fails with ErrNotConnected unless open.
	Send(payload []byte) error

	// Events returns the transport event feed. Closed after Close returns.
	Events() <-chan TransportEvent

	// State returns the current connection state.
	State() ConnState

	// Close tears down the connection and cancels any pending reconnect.
	Close() error
}

// ConnState is the transport connection state.
type ConnState int32

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind identifies a transport event.
type EventKind int

// Transport event kinds.
const (
	EventOpened EventKind = iota
	EventMessage
	EventError
	EventClosed
	EventMaxRetriesExceeded
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventMaxRetriesExceeded:
		return "max_retries_exceeded"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// TransportEvent is emitted on the transport feed.
type TransportEvent struct {
	Kind    EventKind
	Payload []byte // EventMessage only
	Err     error  // EventError and EventMaxRetriesExceeded
}

// Subscription is re-sent on every open and dropped on close.
type Subscription struct {
	ID         int64 // assigned by the node on confirmation
	Method     string
	Filter     LogsFilter
	Commitment string
}

// LogsFilter defines subscription filter for logs.
type LogsFilter struct {
	// Mentions filters logs that mention any of these program IDs.
	// Empty subscribes to all transactions.
	Mentions []string
}

// NewLogsSubscription returns a logsSubscribe subscription for programs.
func NewLogsSubscription(commitment string, mentions ...string) Subscription {
	if commitment == "" {
		commitment = "confirmed"
	}
	return Subscription{
		Method:     "logsSubscribe",
		Filter:     LogsFilter{Mentions: mentions},
		Commitment: commitment,
	}
}

// params builds the JSON-RPC params for the subscription request.
func (s Subscription) params() []interface{} {
	var filter interface{} = "all"
	if len(s.Filter.Mentions) > 0 {
		filter = map[string]interface{}{"mentions": s.Filter.Mentions}
	}
	return []interface{}{
		filter,
		map[string]string{"commitment": s.Commitment},
	}
}

// LogNotification represents a logs subscription message.
type LogNotification struct {
	Signature string
	Slot      int64
	Logs      []string
	Err       interface{}
}

// FeedKind classifies a raw feed message.
type FeedKind int

// Feed message kinds.
const (
	FeedUnknown FeedKind = iota
	FeedAck
	FeedNotification
	FeedError
)

// FeedMessage is a decoded feed payload.
type FeedMessage struct {
	Kind           FeedKind
	RequestID      uint64
	SubscriptionID int64
	Notification   *LogNotification
	Error          string
}

// ParseFeedMessage decodes a websocket payload into a FeedMessage.
func ParseFeedMessage(payload []byte) (FeedMessage, error) {
	var env wsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return FeedMessage{}, fmt.Errorf("decode feed message: %w", err)
	}

	switch {
	case env.Error != nil:
		return FeedMessage{
			Kind:      FeedError,
			RequestID: env.ID,
			Error:     fmt.Sprintf("code=%d msg=%s", env.Error.Code, env.Error.Message),
		}, nil

	case env.Method == "logsNotification" && env.Params != nil:
		var result wsNotificationResult
		if err := json.Unmarshal(env.Params.Result, &result); err != nil {
			return FeedMessage{}, fmt.Errorf("decode logs notification: %w", err)
		}
		n := &LogNotification{
			Signature: result.Value.Signature,
			Logs:      result.Value.Logs,
			Err:       result.Value.Err,
		}
		if result.Context != nil {
			n.Slot = result.Context.Slot
		}
		return FeedMessage{
			Kind:           FeedNotification,
			SubscriptionID: env.Params.Subscription,
			Notification:   n,
		}, nil

	case env.ID != 0 && env.Result != nil:
		msg := FeedMessage{Kind: FeedAck, RequestID: env.ID}
		var subID int64
		if err := json.Unmarshal(env.Result, &subID); err == nil {
			msg.SubscriptionID = subID
		}
		return msg, nil
	}

	return FeedMessage{Kind: FeedUnknown}, nil
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	Params  *wsParams       `json:"params"`
}

type wsParams struct {
	Subscription int64           `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type wsSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"` // subscription ID
}

type wsNotificationResult struct {
	Context *wsContext  `json:"context"`
	Value   wsLogsValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsLogsValue struct {
	Signature string      `json:"signature"`
	Logs      []string    `json:"logs"`
	Err       interface{} `json:"err"`
}
