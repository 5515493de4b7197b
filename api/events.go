package api

import (
	"fmt"
	"net/http"

	"pipegate/events"
)

// SSEHandler handles Server-Sent Events connections
func SSEHandler(broker *events.EventBroker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// buffered so a slow client does not stall broadcasts
		client := make(chan string, 32)
		broker.Register(client)
		defer broker.Unregister(client)

		flusher, _ := w.(http.Flusher)
		flush := func() {
			if flusher != nil {
				flusher.Flush()
			}
		}

		fmt.Fprintf(w, "event: connected\ndata: {\"message\": \"Connected to pipegate events\"}\n\n")
		flush()

		for {
			select {
			case message, ok := <-client:
				if !ok {
					return
				}
				fmt.Fprint(w, message)
				flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
