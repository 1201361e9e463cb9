package realtime

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const clientBuffer = 16

// Handler serves the SockJS endpoint under prefix. Clients receive the
// current queue on connect and may narrow it with a subscribe frame.
func Handler(prefix string, h *Hub) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			sub, err := ParseSubscribe([]byte(msg))
			if err != nil {
				h.logger.Debug().Err(err).Str("client_id", client.ID).Msg("ignored client frame")
				continue
			}
			h.UpdateSubscription(client, sub)
		}
	})
}
