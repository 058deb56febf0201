package sbus

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const websocketPath = "/$servicebus/websocket"

// websocketConn presents a binary websocket as a net.Conn so the AMQP engine
// can run over firewall-friendly transports. Each Write becomes one binary
// websocket message; Read drains messages in order.
type websocketConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func dialWebsocket(ctx context.Context, wsURL string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig: tlsConfig,
		Subprotocols:    []string{"amqp"},
	}
	ws, response, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	return &websocketConn{ws: ws}, nil
}

func (connection *websocketConn) Read(buffer []byte) (int, error) {
	for {
		if connection.reader == nil {
			_, reader, err := connection.ws.NextReader()
			if err != nil {
				return 0, err
			}
			connection.reader = reader
		}

		count, err := connection.reader.Read(buffer)
		if err == io.EOF {
			connection.reader = nil
			if count > 0 {
				return count, nil
			}
			continue
		}
		return count, err
	}
}

func (connection *websocketConn) Write(buffer []byte) (int, error) {
	if err := connection.ws.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

func (connection *websocketConn) Close() error {
	return connection.ws.Close()
}

func (connection *websocketConn) LocalAddr() net.Addr  { return connection.ws.LocalAddr() }
func (connection *websocketConn) RemoteAddr() net.Addr { return connection.ws.RemoteAddr() }

func (connection *websocketConn) SetDeadline(deadline time.Time) error {
	if err := connection.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	return connection.ws.SetWriteDeadline(deadline)
}

func (connection *websocketConn) SetReadDeadline(deadline time.Time) error {
	return connection.ws.SetReadDeadline(deadline)
}

func (connection *websocketConn) SetWriteDeadline(deadline time.Time) error {
	return connection.ws.SetWriteDeadline(deadline)
}
