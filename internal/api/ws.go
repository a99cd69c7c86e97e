package api

import (
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// registerWebSocketRoutes mounts the live dashboard streams. /ws subscribes
// to every broadcast; /ws/terminals/:id only to that terminal's updates plus
// global broadcasts.
func (s *Server) registerWebSocketRoutes(app *fiber.App) {
	if s.hub == nil {
		return
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		s.serveSubscriber(conn, "")
	}))

	app.Get("/ws/terminals/:id", websocket.New(func(conn *websocket.Conn) {
		s.serveSubscriber(conn, conn.Params("id"))
	}))
}

// serveSubscriber registers the connection with the hub and blocks reading
// until the client goes away. Subscribers are write-only; inbound frames are
// drained and dropped so pings and close frames are handled.
func (s *Server) serveSubscriber(conn *websocket.Conn, terminalID string) {
	s.hub.Register(conn, terminalID)
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}
	}
}
