package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"roombook/internal/booking"
	"roombook/internal/calendar"
	"roombook/internal/model"

	"github.com/gin-gonic/gin"
)

type createReq struct {
	ResourceID int64     `json:"resource_id" binding:"required"`
	Start      time.Time `json:"start" binding:"required"`
	End        time.Time `json:"end" binding:"required"`
	OwnerID    int64     `json:"owner_id,omitempty"`
}

type extendReq struct {
	Minutes int `json:"minutes" binding:"required"`
}

// POST /reservations
func (s *Server) create(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	r, err := s.eng.Create(c.Request.Context(), actorOf(c), booking.CreateRequest{
		ResourceID: req.ResourceID,
		Start:      req.Start,
		End:        req.End,
		OwnerID:    req.OwnerID,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// GET /reservations/:id
func (s *Server) get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	v, err := s.eng.Get(c.Request.Context(), id, actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) confirm(c *gin.Context) { s.transition(c, s.eng.Confirm) }
func (s *Server) cancel(c *gin.Context)  { s.transition(c, s.eng.Cancel) }
func (s *Server) finish(c *gin.Context)  { s.transition(c, s.eng.Finish) }

func (s *Server) transition(c *gin.Context, op func(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := op(c.Request.Context(), id, actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// POST /reservations/:id/extend {"minutes": 30}
func (s *Server) extend(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req extendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	end, err := s.eng.Extend(c.Request.Context(), id, actorOf(c), time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "end": end})
}

// GET /reservations?from=&to=&all=1&limit=
func (s *Server) listOwn(c *gin.Context) {
	w, ok := window(c)
	if !ok {
		return
	}
	out, err := s.eng.ListOwn(c.Request.Context(), actorOf(c), w)
	s.writeList(c, out, err)
}

// GET /resources/:id/reservations
func (s *Server) listByResource(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	w, ok := window(c)
	if !ok {
		return
	}
	out, err := s.eng.ListByResource(c.Request.Context(), id, w)
	s.writeList(c, out, err)
}

// GET /days/:date/reservations
func (s *Server) listByDate(c *gin.Context) {
	d, err := calendar.ParseDate(c.Param("date"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	w, ok := window(c)
	if !ok {
		return
	}
	out, err := s.eng.ListByDate(c.Request.Context(), d, w)
	s.writeList(c, out, err)
}

func (s *Server) writeList(c *gin.Context, out []booking.View, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	if out == nil {
		out = []booking.View{}
	}
	c.JSON(http.StatusOK, out)
}

// GET /resources/:id/slots?date=YYYY-MM-DD (default: today in the calendar zone)
func (s *Server) freeSlots(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d := s.eng.Calendar().LocalDate(s.clock.Now())
	if raw := c.Query("date"); raw != "" {
		var err error
		if d, err = calendar.ParseDate(raw); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	slots, err := s.eng.FreeSlots(c.Request.Context(), id, d)
	if err != nil {
		s.fail(c, err)
		return
	}
	if slots == nil {
		slots = []calendar.Interval{}
	}
	c.JSON(http.StatusOK, gin.H{"resource_id": id, "date": d.String(), "slots": slots})
}

// GET /resources/:id/next; 204 when nothing is booked ahead.
func (s *Server) next(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	v, found, err := s.eng.Next(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !found {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, v)
}

// GET /resources
func (s *Server) listResources(c *gin.Context) {
	out := s.catalog.Resources()
	if out == nil {
		out = []model.Resource{}
	}
	c.JSON(http.StatusOK, out)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id "+strconv.Quote(c.Param("id")))
		return 0, false
	}
	return id, true
}

func window(c *gin.Context) (booking.Window, bool) {
	var w booking.Window
	for _, q := range []struct {
		key string
		dst *time.Time
	}{{"from", &w.From}, {"to", &w.To}} {
		raw := c.Query(q.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, q.key+" must be RFC3339")
			return w, false
		}
		*q.dst = t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return w, false
		}
		w.Limit = n
	}
	w.IncludeTerminal = c.Query("all") == "1" || c.Query("all") == "true"
	return w, true
}
