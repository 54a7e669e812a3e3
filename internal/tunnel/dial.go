package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// Dial connects to a daemon's /tunnel endpoint (ws:// or wss://) and returns
// the client side of the yamux session. Each stream opened on it is an
// independent protocol connection. tlsConfig may be nil.
func Dial(ctx context.Context, url, secret string, tlsConfig *tls.Config) (*yamux.Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig,
	}

	header := http.Header{}
	if secret != "" {
		header.Set(SecretHeader, secret)
	}

	wsConn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial tunnel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial tunnel: %w", err)
	}

	session, err := yamux.Client(NewWSConn(wsConn), yamuxConfig(zap.NewNop()))
	if err != nil {
		wsConn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	return session, nil
}
