package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inventory-ledger/internal/models"
	"inventory-ledger/internal/report"
	"inventory-ledger/internal/service"

	"github.com/gin-gonic/gin"
)

// recordMovement handles inbound, outbound and adjust requests
func (h *Handler) recordMovement(typ models.TransactionType) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req service.RecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		req.Type = typ

		res, err := h.processor.Record(c.Request.Context(), req)
		if err != nil {
			h.fail(c, "Failed to record stock movement", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"record":         res.Record,
			"transaction_id": res.Transaction.ID,
		})
	}
}

// transfer handles warehouse-to-warehouse transfers
func (h *Handler) transfer(c *gin.Context) {
	var req service.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.transfers.Transfer(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to transfer stock", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"source":             res.Source,
		"destination":        res.Destination,
		"out_transaction_id": res.Out.ID,
		"in_transaction_id":  res.In.ID,
		"pair_id":            res.PairID,
	})
}

// getStock handles stock lookup for one product in one warehouse
func (h *Handler) getStock(c *gin.Context) {
	rec, err := h.processor.GetStock(c.Request.Context(), c.Param("productId"), c.Param("warehouseId"))
	if err != nil {
		h.fail(c, "Failed to get stock", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// listStock handles the inventory table query
func (h *Handler) listStock(c *gin.Context) {
	filter := models.StockFilter{
		ProductID:    c.Query("product_id"),
		WarehouseIDs: queryList(c, "warehouse_id"),
		Region:       c.Query("region"),
	}

	records, err := h.processor.ListStock(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "Failed to list stock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// listTransactions handles journal queries
func (h *Handler) listTransactions(c *gin.Context) {
	filter, err := transactionFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	txs, err := h.processor.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "Failed to list transactions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// exportTransactions renders the filtered journal as a spreadsheet
func (h *Handler) exportTransactions(c *gin.Context) {
	filter, err := transactionFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	txs, err := h.processor.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "Failed to export transactions", err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteTransactions(&buf, txs); err != nil {
		h.fail(c, "Failed to export transactions", err)
		return
	}

	filename := fmt.Sprintf("transactions-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, report.ContentType, buf.Bytes())
}

// checkAvailability handles the read-only sufficiency check for quote lines
func (h *Handler) checkAvailability(c *gin.Context) {
	var req service.AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.aggregator.CheckAvailability(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to check availability", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func transactionFilter(c *gin.Context) (models.TransactionFilter, error) {
	filter := models.TransactionFilter{
		ProductID:   c.Query("product_id"),
		WarehouseID: c.Query("warehouse_id"),
		Type:        models.TransactionType(strings.ToUpper(c.Query("type"))),
		Operator:    c.Query("operator"),
		PairID:      c.Query("pair_id"),
	}

	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid since: %w", err)
		}
		filter.Since = since
	}
	if v := c.Query("until"); v != "" {
		until, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid until: %w", err)
		}
		filter.Until = until
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = limit
	}
	return filter, nil
}

// queryList accepts both repeated and comma-separated values
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
