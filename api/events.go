package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// heartbeatInterval keeps intermediaries from reaping an idle SSE
// connection.
const heartbeatInterval = 15 * time.Second

// handleEvents streams the merchant's progress topics as server-sent
// events. Every bus message becomes one named event, a comment heartbeat
// goes out every 15 s, and the stream ends when the client disconnects.
// There is no replay: a reconnecting client resumes with live messages
// only.
func (s *Server) handleEvents(c echo.Context) error {
	merchantID := c.QueryParam("merchantId")
	if merchantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "merchantId is required")
	}

	ctx := c.Request().Context()
	sub, err := s.opts.Events.Subscribe(ctx, merchantID)
	if err != nil {
		s.log.WithError(err).WithField("merchant", merchantID).Error("failed to subscribe to progress bus")
		return echo.NewHTTPError(http.StatusBadGateway, "event feed unavailable")
	}
	defer sub.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", msg.Kind, msg.Payload); err != nil {
				return nil
			}
			res.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}
