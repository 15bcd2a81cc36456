package taskd

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/taskwire/taskwire/store"
)

func paramInt64(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

// httpError maps engine errors onto the API contract: conflicts and
// not-found are distinct conditions, everything else is generic.
func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict,
			"conflict: the task was modified by another request, refresh and try again")
	case errors.Is(err, ErrEmptyTitle):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ErrEmptyTitle.Error())
	default:
		return err
	}
}

func (srv *Server) handleCreateTask(c echo.Context) error {
	var in TaskCreate
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed task body")
	}
	view, err := srv.engine.CreateTask(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (srv *Server) handleGetTask(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	view, err := srv.engine.GetTask(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (srv *Server) handleGetTasksPage(c echo.Context) error {
	page, err := paramInt64(c, "page")
	if err != nil {
		return err
	}
	if page < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "page numbers start at 1")
	}
	views, err := srv.engine.GetTasksPage(c.Request().Context(), int(page))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, views)
}

func (srv *Server) handleUpdateTask(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	var in TaskUpdate
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed task body")
	}
	view, err := srv.engine.UpdateTask(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (srv *Server) handleDeleteTask(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	if err := srv.engine.DeleteTask(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"detail": "task deleted"})
}

func (srv *Server) handleAnalytics(c echo.Context) error {
	all, err := srv.engine.Counters(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, all)
}
