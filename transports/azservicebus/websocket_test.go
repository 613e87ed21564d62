package azservicebus

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/messaging"
)

func TestTransportType(t *testing.T) {
	tests := []struct {
		input string
		want  TransportType
	}{
		{"", AmqpTCP},
		{"amqp-tcp", AmqpTCP},
		{"amqp-websockets", AmqpWebSockets},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTransportType(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseTransportType("http")
	assert.Error(t, err)
	assert.Equal(t, "amqp-websockets", AmqpWebSockets.String())
}

func TestClientOptions(t *testing.T) {
	retry := messaging.DefaultRetryPolicy(3)

	tcp := NewDialer(WithApplicationID("billing")).clientOptions(retry)
	assert.Equal(t, "billing", tcp.ApplicationID)
	assert.Nil(t, tcp.NewWebSocketConn)

	ws := NewDialer(WithWebSockets()).clientOptions(retry)
	assert.NotNil(t, ws.NewWebSocketConn)
	assert.Equal(t, retryOptions(retry), ws.RetryOptions)
}

func TestDialWebSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"amqp"}})
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		typ, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		_ = c.Write(r.Context(), typ, data)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialWebSocket(ctx, azservicebus.NewWebSocketConnArgs{Host: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("AMQP"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "AMQP", string(buf))

	_, err = dialWebSocket(ctx, azservicebus.NewWebSocketConnArgs{Host: "ws://127.0.0.1:1"})
	assert.Error(t, err)
}
