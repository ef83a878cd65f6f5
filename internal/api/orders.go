package api

import (
	"net/http"

	"inventory-ledger/internal/service"

	"github.com/gin-gonic/gin"
)

type quoteReservationBody struct {
	Lines []service.QuoteLine `json:"lines" binding:"required,min=1,dive"`
}

type consumeBody struct {
	Operator string `json:"operator"`
}

// reserveForQuote reserves every line of a quote or none of them
func (h *Handler) reserveForQuote(c *gin.Context) {
	var body quoteReservationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.reservations.ReserveForQuote(c.Request.Context(), c.Param("quoteId"), body.Lines)
	if err != nil {
		h.fail(c, "Failed to reserve stock for quote", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// reserve handles a single reservation line
func (h *Handler) reserve(c *gin.Context) {
	var req service.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.reservations.Reserve(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to reserve stock", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) releaseReservation(c *gin.Context) {
	res, err := h.reservations.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to release reservation", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) consumeReservation(c *gin.Context) {
	var body consumeBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}

	res, tx, err := h.reservations.Consume(c.Request.Context(), c.Param("id"), body.Operator)
	if err != nil {
		h.fail(c, "Failed to consume reservation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reservation":    res,
		"transaction_id": tx.ID,
	})
}

func (h *Handler) listReservations(c *gin.Context) {
	owned, err := h.reservations.List(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		h.fail(c, "Failed to list reservations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner_id":     c.Param("ownerId"),
		"reservations": owned,
	})
}

// releaseOwner releases every ACTIVE reservation of a quote or order
func (h *Handler) releaseOwner(c *gin.Context) {
	owned, err := h.reservations.ReleaseOwner(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		h.fail(c, "Failed to release reservations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner_id":     c.Param("ownerId"),
		"reservations": owned,
	})
}

// openOrder creates a pending order, taking over its quote's reservations
func (h *Handler) openOrder(c *gin.Context) {
	var req service.OpenOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	rec, err := h.workflow.Open(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to open order", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) getOrder(c *gin.Context) {
	rec, err := h.workflow.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.fail(c, "Failed to get order", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// transitionOrder moves an order to the requested status
func (h *Handler) transitionOrder(c *gin.Context) {
	var req service.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.OrderID = c.Param("orderId")

	rec, err := h.workflow.Transition(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to transition order", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
