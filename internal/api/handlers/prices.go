package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/tickstream-go/internal/database"
	"github.com/irfndi/tickstream-go/internal/middleware"
	"github.com/irfndi/tickstream-go/internal/models"
)

// PriceReader reads one row of the price table.
type PriceReader interface {
	Get(ctx context.Context, symbol string) (*models.LivePrice, error)
}

type PriceHandler struct {
	prices PriceReader
}

func NewPriceHandler(prices PriceReader) *PriceHandler {
	return &PriceHandler{prices: prices}
}

// GetPrice handles GET /api/v1/prices/:symbol. A null price means no tick
// has arrived since bootstrap.
func (h *PriceHandler) GetPrice(c *gin.Context) {
	symbol := strings.TrimSpace(c.Param("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	middleware.AddSpanAttribute(c, "price.symbol", symbol)

	price, err := h.prices.Get(c.Request.Context(), symbol)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not tracked", "symbol": symbol})
		return
	}
	if err != nil {
		middleware.RecordError(c, err, "price lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read price"})
		return
	}
	c.JSON(http.StatusOK, price)
}
