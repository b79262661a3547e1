package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/kube9/pkg/events"
	"github.com/labstack/echo/v4"
)

// keepAliveInterval is how often an idle event stream gets a comment line
const keepAliveInterval = 15 * time.Second

// streamEvents serves the event broker as server-sent events. The optional
// type query parameter is a comma separated list of event types, or prefixes
// ending in a dot such as "node.".
func (s *Server) streamEvents(c echo.Context) error {
	broker := s.manager.GetEventBroker()
	if broker == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream disabled")
	}

	var filters []string
	if raw := c.QueryParam("type"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				filters = append(filters, f)
			}
		}
	}

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			if !matches(event, filters) {
				continue
			}
			if err := writeEvent(resp, event); err != nil {
				return nil
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(resp, ": keep-alive\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func matches(event *events.Event, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.HasSuffix(f, ".") && strings.HasPrefix(string(event.Type), f) {
			return true
		}
		if string(event.Type) == f {
			return true
		}
	}
	return false
}

func writeEvent(resp *echo.Response, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
