package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/labstack/echo/v4"
)

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// ready implements the /ready endpoint. Storage is probed with a read on
// every call and the result is fed back into the component registry before
// the registered components are consulted.
func (s *Server) ready(c echo.Context) error {
	if _, err := s.manager.ListNodes(); err != nil {
		metrics.SetComponent(metrics.ComponentStore, false, err.Error())
	} else {
		metrics.SetComponent(metrics.ComponentStore, true, "ok")
	}

	readiness := metrics.GetReadiness()
	checks := readiness.Checks
	if broker := s.manager.GetEventBroker(); broker != nil {
		checks["events"] = fmt.Sprintf("ok (%d subscribers)", broker.SubscriberCount())
	} else {
		checks["events"] = "disabled"
	}

	response := ReadyResponse{
		Status:    readiness.Status,
		Timestamp: readiness.Timestamp,
		Checks:    checks,
		Message:   readiness.Message,
	}

	statusCode := http.StatusOK
	if readiness.Status != metrics.StatusReady {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, response)
}
