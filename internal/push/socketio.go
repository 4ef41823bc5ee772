package push

import (
	"context"
	"fmt"
	"sync"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
)

// SocketIO dials the collector's socket.io endpoint. The library's own
// reconnection is disabled; Listener owns reconnects.
type SocketIO struct {
	URL  string
	Path string
	// LongPollingOnly restricts the transport to HTTP long-polling, which is
	// what works through an HTTP proxy.
	LongPollingOnly bool
}

func (d SocketIO) Dial(ctx context.Context, token string, handle func(Event)) (Conn, error) {
	opts := socket.DefaultOptions()
	if d.Path != "" {
		opts.SetPath(d.Path)
	}
	if d.LongPollingOnly {
		opts.SetTransports(types.NewSet(socket.Polling))
	} else {
		opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	}
	opts.SetReconnection(false)
	opts.SetAuth(map[string]any{"cookie": token})

	sock, err := socket.Connect(d.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	for _, name := range serverEvents {
		name := name
		sock.On(types.EventName(name), func(args ...any) {
			ev := Event{Name: name}
			if len(args) > 0 {
				if m, ok := args[0].(map[string]any); ok {
					ev.Data = m
				}
			}
			handle(ev)
		})
	}
	return &socketConn{sock: sock}, nil
}

type socketConn struct {
	sock *socket.Socket
	once sync.Once
}

func (c *socketConn) Emit(event string, data map[string]any) error {
	if !c.sock.Connected() {
		return fmt.Errorf("not connected")
	}
	c.sock.Emit(event, data)
	return nil
}

func (c *socketConn) Close() {
	c.once.Do(func() { c.sock.Disconnect() })
}
