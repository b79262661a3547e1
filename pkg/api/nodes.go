package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/kube9/pkg/types"
	"github.com/labstack/echo/v4"
)

// ComponentUpdate is the body of PATCH /v1/nodes/:id/components
type ComponentUpdate struct {
	Component types.Component       `json:"component"`
	Status    types.ComponentStatus `json:"status"`
}

func pathID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("invalid id " + strconv.Quote(c.Param("id")))
	}
	return id, nil
}

func (s *Server) registerNode(c echo.Context) error {
	var spec types.NodeSpec
	if err := c.Bind(&spec); err != nil {
		return badRequest("invalid node spec")
	}
	node, err := s.manager.RegisterNode(c.Request().Context(), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, node)
}

func (s *Server) listNodes(c echo.Context) error {
	nodes, err := s.manager.ListNodes()
	if err != nil {
		return err
	}
	if nodes == nil {
		nodes = []*types.Node{}
	}
	return c.JSON(http.StatusOK, nodes)
}

func (s *Server) clusterHealth(c echo.Context) error {
	report, err := s.manager.GetClusterHealth()
	if err != nil {
		return err
	}
	if report == nil {
		report = []types.NodeHealth{}
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) getNode(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	node, err := s.manager.GetNode(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

func (s *Server) heartbeat(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var hb types.Heartbeat
	if err := c.Bind(&hb); err != nil {
		return badRequest("invalid heartbeat")
	}
	hb.NodeID = id

	node, err := s.manager.ProcessHeartbeat(c.Request().Context(), hb)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

func (s *Server) updateComponent(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req ComponentUpdate
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid component update")
	}
	if req.Component == "" || req.Status == "" {
		return badRequest("component and status are required")
	}

	node, err := s.manager.UpdateComponentStatus(c.Request().Context(), id, req.Component, req.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

func (s *Server) forceFail(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	node, err := s.manager.ForceFail(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

func (s *Server) forceCleanup(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	result, err := s.manager.ForceCleanup(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) reschedule(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	result, err := s.manager.Reschedule(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
