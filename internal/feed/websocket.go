package feed

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

type wsObserver struct {
	conn *websocket.Conn
}

func (o *wsObserver) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return o.conn.Write(ctx, websocket.MessageText, payload)
}

// Handler serves the live feed over websocket. Client messages are read and
// discarded; the observer lives until the client goes away.
func (b *Broadcaster) Handler(originPatterns ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			b.logger.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		obs := &wsObserver{conn: conn}
		b.Connect(ctx, obs)
		defer b.Disconnect(obs)
		b.logger.Debug("feed observer connected", zap.String("remote", r.RemoteAddr))

		for {
			if _, _, err := conn.Read(ctx); err != nil {
				b.logger.Debug("feed observer gone", zap.String("remote", r.RemoteAddr), zap.Error(err))
				return
			}
		}
	})
}
