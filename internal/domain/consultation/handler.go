package consultation

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hospital/frontdesk/internal/platform/apperr"
	"github.com/hospital/frontdesk/internal/platform/auth"
)

type Handler struct {
	reg *Registry
}

func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints - clinical staff and the front desk
	readGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleReceptionist))
	readGroup.GET("/consultations", h.List)
	readGroup.GET("/patients/:patientId/consultations", h.History)
	readGroup.GET("/patients/:patientId/consultations/incomplete", h.Incomplete)

	// Charting - clinical staff only
	writeGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	writeGroup.POST("/consultations", h.Start)
	writeGroup.GET("/consultations/active", h.Active)
	writeGroup.PATCH("/consultations/active", h.Update)
	writeGroup.POST("/consultations/active/save", h.Save)
	writeGroup.POST("/consultations/active/complete", h.CompleteVisit)
	writeGroup.DELETE("/consultations/active", h.Cancel)
	writeGroup.POST("/consultations/:id/load", h.Load)
	writeGroup.POST("/consultations/:id/complete", h.Complete)
	writeGroup.POST("/consultations/:id/abandon", h.Abandon)
	writeGroup.POST("/consultations/:id/follow-up", h.FollowUp)
}

func httpError(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}

func session(c echo.Context) (string, error) {
	sid := auth.SessionFromContext(c)
	if sid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "desk sessions require an authenticated user")
	}
	return sid, nil
}

type startResponse struct {
	Consultation Consultation `json:"consultation"`
	Resumed      bool         `json:"resumed"`
}

func (h *Handler) Start(c echo.Context) error {
	sid, err := session(c)
	if err != nil {
		return err
	}
	var info StartInfo
	if err := c.Bind(&info); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cons, resumed, err := h.reg.StartNewConsultation(c.Request().Context(), sid, info)
	if err != nil {
		return httpError(err)
	}
	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	return c.JSON(status, startResponse{Consultation: cons, Resumed: resumed})
}

func (h *Handler) Active(c echo.Context) error {
	sid, err := session(c)
	if err != nil {
		return err
	}
	active, err := h.reg.Active(c.Request().Context(), sid)
	if err != nil {
		return httpError(err)
	}
	if active == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, active)
}

func (h *Handler) Update(c echo.Context) error {
	sid, err := session(c)
	if err != nil {
		return err
	}
	var p Patch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cons, err := h.reg.UpdateConsultationData(c.Request().Context(), sid, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Save(c echo.Context) error {
	sid, err := session(c)
	if err != nil {
		return err
	}
	cons, err := h.reg.SaveConsultation(c.Request().Context(), sid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) CompleteVisit(c echo.Context) error {
	sid, err := session(c)
	if err != nil {
		return err
	}
	cons, err := h.reg.CompleteVisit(c.Request().Context(), sid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Cancel(c echo.Context) error {
	sid, err := session(c)
	if err != nil {
		return err
	}
	confirmed, _ := strconv.ParseBool(c.QueryParam("confirm"))
	if err := h.reg.CancelConsultation(c.Request().Context(), sid, confirmed); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Load(c echo.Context) error {
	sid, err := session(c)
	if err != nil {
		return err
	}
	cons, err := h.reg.LoadConsultation(c.Request().Context(), sid, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Complete(c echo.Context) error {
	cons, err := h.reg.CompleteConsultation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Abandon(c echo.Context) error {
	cons, err := h.reg.AbandonConsultation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

type followUpRequest struct {
	VisitDate string `json:"visitDate"`
	VisitTime string `json:"visitTime"`
}

func (h *Handler) FollowUp(c echo.Context) error {
	sid, err := session(c)
	if err != nil {
		return err
	}
	var req followUpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cons, err := h.reg.StartFollowUp(c.Request().Context(), sid, c.Param("id"), req.VisitDate, req.VisitTime)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cons)
}

func (h *Handler) History(c echo.Context) error {
	list, err := h.reg.GetPatientConsultations(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// List is the query form of History: GET /consultations?patient=<id>.
func (h *Handler) List(c echo.Context) error {
	patientID := c.QueryParam("patient")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient query parameter is required")
	}
	list, err := h.reg.GetPatientConsultations(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) Incomplete(c echo.Context) error {
	list, err := h.reg.HasIncompleteVisits(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patientId":  c.Param("patientId"),
		"incomplete": list,
		"count":      len(list),
	})
}
