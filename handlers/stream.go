package handlers

import (
	"bufio"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"sphere-arena/services"
)

// sseKeepaliveEvery paces comment frames so idle connections survive
// proxies that reap silent streams.
const sseKeepaliveEvery = 15 * time.Second

// StreamEvents serves the live match stream over SSE. Every instance can
// serve it: frames arrive via the broadcast relay, not from local
// simulation state.
func StreamEvents(broadcast *services.BroadcastService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no") // nginx

		frames, cancel := broadcast.Subscribe()
		ctx := c.Context()

		// Use fasthttp stream writer (THIS replaces Flush)
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer cancel()

			keepalive := time.NewTicker(sseKeepaliveEvery)
			defer keepalive.Stop()

			// Initial keepalive (comment event)
			w.WriteString(":\n\n")
			if err := w.Flush(); err != nil {
				return
			}

			for {
				select {
				case frame, ok := <-frames:
					if !ok {
						return
					}
					fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Kind, frame.Data)
					if err := w.Flush(); err != nil {
						// Client disconnected
						return
					}
				case <-keepalive.C:
					w.WriteString(":\n\n")
					if err := w.Flush(); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		})

		return nil
	}
}
