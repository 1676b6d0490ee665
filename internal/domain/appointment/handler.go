package appointment

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hospital/frontdesk/internal/platform/apperr"
	"github.com/hospital/frontdesk/internal/platform/auth"
	"github.com/hospital/frontdesk/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints - everyone at the desk and on the floor
	readGroup := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RolePhysician, auth.RoleNurse, auth.RoleBilling))
	readGroup.GET("/appointments", h.List)
	readGroup.GET("/appointments/:id", h.Get)
	readGroup.GET("/procedures/:procedureId/sessions", h.Sessions)

	// Booking and workflow - front desk and clinical staff
	writeGroup := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RolePhysician, auth.RoleNurse))
	writeGroup.POST("/appointments", h.Create)
	writeGroup.PATCH("/appointments/:id", h.Update)
	writeGroup.POST("/appointments/:id/status", h.TransitionStatus)

	// Payment - front desk and billing
	payGroup := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleBilling))
	payGroup.POST("/appointments/:id/complete", h.Complete)
	payGroup.POST("/appointments/:id/payment", h.RecordPayment)
}

func httpError(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}

func (h *Handler) Create(c echo.Context) error {
	var a Appointment
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, &View{Appointment: &a, Actions: AvailableActions(&a, h.svc.Today())})
}

func (h *Handler) Get(c echo.Context) error {
	v, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) List(c echo.Context) error {
	f := Filter{
		Search:     c.QueryParam("q"),
		Status:     c.QueryParam("status"),
		Department: c.QueryParam("department"),
		Payment:    PaymentFilter(c.QueryParam("payment")),
		Date: DateRange{
			Kind: DateRangeKind(c.QueryParam("date")),
			From: c.QueryParam("from"),
			To:   c.QueryParam("to"),
		},
	}

	order := Sort{Key: SortDate}
	if key := c.QueryParam("sort"); key != "" {
		k, err := ParseSortKey(key)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		order.Key = k
	}
	switch c.QueryParam("order") {
	case "", "asc":
	case "desc":
		order.Desc = true
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "order must be asc or desc")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, order, pg)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Update(c echo.Context) error {
	var p Patch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.UpdateFields(c.Request().Context(), c.Param("id"), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(a))
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) TransitionStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.TransitionStatus(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(a))
}

func (h *Handler) Complete(c echo.Context) error {
	var res PaymentResolution
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Complete(c.Request().Context(), c.Param("id"), res)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(a))
}

func (h *Handler) RecordPayment(c echo.Context) error {
	var res PaymentResolution
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.RecordPayment(c.Request().Context(), c.Param("id"), res)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(a))
}

func (h *Handler) Sessions(c echo.Context) error {
	sessions, err := h.svc.SessionSeries(c.Request().Context(), c.Param("procedureId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

func (h *Handler) view(a *Appointment) *View {
	return &View{Appointment: a, Actions: AvailableActions(a, h.svc.Today())}
}
