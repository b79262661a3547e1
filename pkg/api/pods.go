package api

import (
	"errors"
	"net/http"

	"github.com/cuemby/kube9/pkg/types"
	"github.com/labstack/echo/v4"
)

// PlacementFailure is returned with 409 when a pod was created but no node
// could take it. The pod is kept pending.
type PlacementFailure struct {
	Error     string     `json:"error"`
	RequestID string     `json:"request_id,omitempty"`
	Pod       *types.Pod `json:"pod"`
}

func (s *Server) placePod(c echo.Context) error {
	var spec types.PodSpec
	if err := c.Bind(&spec); err != nil {
		return badRequest("invalid pod spec")
	}
	pod, err := s.manager.PlacePod(c.Request().Context(), spec)
	return s.placementResponse(c, http.StatusCreated, pod, err)
}

func (s *Server) schedulePod(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	pod, err := s.manager.SchedulePod(c.Request().Context(), id)
	return s.placementResponse(c, http.StatusOK, pod, err)
}

func (s *Server) placementResponse(c echo.Context, code int, pod *types.Pod, err error) error {
	if errors.Is(err, types.ErrNoEligibleNode) && pod != nil {
		return c.JSON(http.StatusConflict, PlacementFailure{
			Error:     err.Error(),
			RequestID: requestID(c),
			Pod:       pod,
		})
	}
	if err != nil {
		return err
	}
	return c.JSON(code, pod)
}

func (s *Server) listPods(c echo.Context) error {
	pods, err := s.manager.ListPods()
	if err != nil {
		return err
	}

	if status := c.QueryParam("status"); status != "" {
		filtered := make([]*types.Pod, 0, len(pods))
		for _, p := range pods {
			if string(p.Status) == status {
				filtered = append(filtered, p)
			}
		}
		pods = filtered
	}
	if pods == nil {
		pods = []*types.Pod{}
	}
	return c.JSON(http.StatusOK, pods)
}

func (s *Server) getPod(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	pod, err := s.manager.GetPod(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pod)
}

func (s *Server) deletePod(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.manager.DeletePod(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
