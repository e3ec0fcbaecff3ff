package connection

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownHandle = errors.New("unknown subscription handle")
	ErrClosed        = errors.New("connection manager closed")
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transport is one live duplex connection. Read is only called from the channel's own goroutine.
type Transport interface {
	Send(data []byte) error
	Read() ([]byte, error)
	Close() error
}

// Dialer opens a new Transport. It must honor ctx cancellation.
type Dialer func(ctx context.Context) (Transport, error)

type Config struct {
	MaxAttempts    int           // consecutive failed dials before Disconnected
	BaseBackoff    time.Duration // first retry delay, doubled per failure
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// backoff returns the delay before retry number attempt (1-based).
func (c Config) backoff(attempt int) time.Duration {
	wait := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return wait
}

// ChannelSpec holds the wire messages of one logical channel. Subscribe is re-sent on
// every Connected transition; Stop is sent once when the last subscriber leaves.
type ChannelSpec struct {
	Subscribe [][]byte
	Stop      []byte
}

// Listener receives a channel's traffic. Both callbacks run on the channel goroutine and
// must not block.
type Listener struct {
	OnMessage func(msg []byte)
	OnState   func(State)
}

// Handle identifies one subscription.
type Handle string

type ChannelStats struct {
	Key         string `json:"key"`
	State       string `json:"state"`
	Subscribers int    `json:"subscribers"`
	Failures    int    `json:"failures"`
	Reconnects  int    `json:"reconnects"`
}
