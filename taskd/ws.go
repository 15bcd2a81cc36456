package taskd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  10 << 10,
	WriteBufferSize: 10 << 10,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSubscribe relays the fan-out bus to one websocket client. Each
// connection owns its subscription handle and its relay loop; a slow or dead
// client only ever loses its own events.
func (srv *Server) handleSubscribe(c echo.Context) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrading websocket: %w", err)
	}
	defer conn.Close()

	lastWriteLk := sync.Mutex{}
	lastWrite := time.Now()

	// Ping the client if nothing has been written for a while; an
	// unanswered ping tears the relay down.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				lastWriteLk.Lock()
				lw := lastWrite
				lastWriteLk.Unlock()

				if time.Since(lw) < 30*time.Second {
					continue
				}
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second)); err != nil {
					srv.log.Debug("failed to ping ws client", "err", err)
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	conn.SetPingHandler(func(message string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(time.Second*60))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Timeout() {
			return nil
		}
		return err
	})

	// drain client frames; the subscription is one-way
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ident := c.RealIP() + "-" + c.Request().UserAgent()
	evts, cleanup, err := srv.engine.bus.Subscribe(ctx, ident)
	if err != nil {
		return fmt.Errorf("subscribing to event bus: %w", err)
	}
	defer cleanup()

	sentCounter := wsEventsSent.WithLabelValues(c.RealIP())
	logger := srv.log.With("remote_addr", c.RealIP(), "user_agent", c.Request().UserAgent())
	logger.Info("new event subscriber")

	for {
		select {
		case evt, ok := <-evts:
			if !ok {
				logger.Warn("event stream closed")
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				logger.Error("unencodable event", "kind", evt.Kind, "err", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("ws write failed, dropping subscriber", "err", err)
				return nil
			}

			lastWriteLk.Lock()
			lastWrite = time.Now()
			lastWriteLk.Unlock()
			sentCounter.Inc()
		case <-ctx.Done():
			logger.Info("event subscriber disconnected")
			return nil
		}
	}
}
