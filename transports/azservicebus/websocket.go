package azservicebus

import (
	"context"
	"fmt"
	"net"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/coder/websocket"
)

// TransportType selects how the AMQP connection reaches the namespace
type TransportType int

const (
	// AmqpTCP connects on port 5671
	AmqpTCP TransportType = iota
	// AmqpWebSockets tunnels AMQP through a websocket on port 443
	AmqpWebSockets
)

func (t TransportType) String() string {
	switch t {
	case AmqpTCP:
		return "amqp-tcp"
	case AmqpWebSockets:
		return "amqp-websockets"
	default:
		return fmt.Sprintf("TransportType(%d)", int(t))
	}
}

// ParseTransportType parses the names returned by TransportType.String
func ParseTransportType(s string) (TransportType, error) {
	switch s {
	case "", "amqp-tcp":
		return AmqpTCP, nil
	case "amqp-websockets":
		return AmqpWebSockets, nil
	default:
		return AmqpTCP, fmt.Errorf("azservicebus: unknown transport type %q", s)
	}
}

// dialWebSocket opens the websocket the SDK runs AMQP over
func dialWebSocket(ctx context.Context, args azservicebus.NewWebSocketConnArgs) (net.Conn, error) {
	conn, _, err := websocket.Dial(ctx, args.Host, &websocket.DialOptions{
		Subprotocols: []string{"amqp"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", args.Host, err)
	}
	// The connection outlives the dial context.
	return websocket.NetConn(context.WithoutCancel(ctx), conn, websocket.MessageBinary), nil
}
