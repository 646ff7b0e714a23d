package controllers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"order-saga/models"
	"order-saga/services"
)

type OrderController struct {
	orders *services.OrderService
	logger *zap.Logger
}

func NewOrderController(orders *services.OrderService, logger *zap.Logger) *OrderController {
	return &OrderController{orders: orders, logger: logger}
}

func (ctl *OrderController) Register(r gin.IRouter) {
	r.POST("", ctl.CreateOrder)
	r.GET("", ctl.GetUserOrders)
	r.GET("/:id", ctl.GetOrderDetails)
	r.GET("/number/:orderNumber", ctl.GetOrderByNumber)
	r.PUT("/:id/status", ctl.UpdateOrderStatus)
	r.POST("/:id/cancel", ctl.CancelOrder)
}

func (ctl *OrderController) CreateOrder(c *gin.Context) {
	defer recordOperation(c, "create")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = userID

	order, err := ctl.orders.CreateOrder(c.Request.Context(), req)
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (ctl *OrderController) GetUserOrders(c *gin.Context) {
	defer recordOperation(c, "list")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	orders, err := ctl.orders.ListUserOrders(c.Request.Context(), userID)
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (ctl *OrderController) GetOrderDetails(c *gin.Context) {
	defer recordOperation(c, "details")
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := orderID(c)
	if !ok {
		return
	}

	order, err := ctl.owned(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (ctl *OrderController) GetOrderByNumber(c *gin.Context) {
	defer recordOperation(c, "details")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	order, err := ctl.orders.GetOrderByNumber(c.Request.Context(), c.Param("orderNumber"))
	if err == nil && order.UserID != userID {
		err = fmt.Errorf("%w: %s", models.ErrOrderNotFound, c.Param("orderNumber"))
	}
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (ctl *OrderController) UpdateOrderStatus(c *gin.Context) {
	defer recordOperation(c, "update_status")
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := orderID(c)
	if !ok {
		return
	}

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := ctl.owned(c.Request.Context(), userID, id); err != nil {
		respondError(c, ctl.logger, err)
		return
	}

	order, err := ctl.orders.UpdateOrderStatus(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (ctl *OrderController) CancelOrder(c *gin.Context) {
	defer recordOperation(c, "cancel")
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := orderID(c)
	if !ok {
		return
	}

	var req models.CancelOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if _, err := ctl.owned(c.Request.Context(), userID, id); err != nil {
		respondError(c, ctl.logger, err)
		return
	}

	order, err := ctl.orders.CancelOrder(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// owned loads the order and hides it from anyone but its owner.
func (ctl *OrderController) owned(ctx context.Context, userID string, id int64) (*models.Order, error) {
	order, err := ctl.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: id %d", models.ErrOrderNotFound, id)
	}
	return order, nil
}

func orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return 0, false
	}
	return id, true
}
