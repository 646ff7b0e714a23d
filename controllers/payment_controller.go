package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"order-saga/models"
	"order-saga/services"
)

type PaymentController struct {
	payments *services.PaymentService
	refunds  *services.RefundService
	logger   *zap.Logger
}

func NewPaymentController(payments *services.PaymentService, refunds *services.RefundService, logger *zap.Logger) *PaymentController {
	return &PaymentController{payments: payments, refunds: refunds, logger: logger}
}

// Register mounts the payment routes on payments and the refund lookup on
// refunds.
func (ctl *PaymentController) Register(payments, refunds gin.IRouter) {
	payments.POST("", ctl.CreatePayment)
	payments.GET("/history", ctl.GetPaymentHistory)
	payments.GET("/order/:orderNumber", ctl.GetPaymentByOrder)
	payments.GET("/:paymentId", ctl.GetPayment)
	payments.POST("/:paymentId/retry", ctl.RetryPayment)
	payments.POST("/:paymentId/refunds", ctl.CreateRefund)
	payments.GET("/:paymentId/refunds", ctl.ListRefunds)

	refunds.GET("/:refundId", ctl.GetRefund)
}

func (ctl *PaymentController) CreatePayment(c *gin.Context) {
	defer recordOperation(c, "payment_create")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = userID
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()

	payment, err := ctl.payments.ProcessPayment(c.Request.Context(), req)
	if err != nil {
		if payment != nil && errors.Is(err, models.ErrPaymentProcessingFailed) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "payment": payment})
			return
		}
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (ctl *PaymentController) GetPayment(c *gin.Context) {
	defer recordOperation(c, "payment_details")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	payment, err := ctl.owned(c.Request.Context(), userID, c.Param("paymentId"))
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (ctl *PaymentController) GetPaymentByOrder(c *gin.Context) {
	defer recordOperation(c, "payment_details")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	orderNumber := c.Param("orderNumber")
	payment, err := ctl.payments.GetPaymentByOrder(c.Request.Context(), orderNumber)
	if err == nil && payment.UserID != userID {
		err = fmt.Errorf("%w: order %s", models.ErrPaymentNotFound, orderNumber)
	}
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (ctl *PaymentController) GetPaymentHistory(c *gin.Context) {
	defer recordOperation(c, "payment_history")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	payments, err := ctl.payments.PaymentHistory(c.Request.Context(), userID)
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	c.JSON(http.StatusOK, payments)
}

func (ctl *PaymentController) RetryPayment(c *gin.Context) {
	defer recordOperation(c, "payment_retry")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	paymentID := c.Param("paymentId")
	if _, err := ctl.owned(c.Request.Context(), userID, paymentID); err != nil {
		respondError(c, ctl.logger, err)
		return
	}

	payment, err := ctl.payments.RetryPayment(c.Request.Context(), paymentID)
	if err != nil {
		if payment != nil && errors.Is(err, models.ErrPaymentProcessingFailed) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "payment": payment})
			return
		}
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (ctl *PaymentController) CreateRefund(c *gin.Context) {
	defer recordOperation(c, "refund_create")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = userID
	}

	paymentID := c.Param("paymentId")
	if _, err := ctl.owned(c.Request.Context(), userID, paymentID); err != nil {
		respondError(c, ctl.logger, err)
		return
	}

	refund, err := ctl.refunds.ProcessRefund(c.Request.Context(), paymentID, req)
	if err != nil {
		if refund != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "refund": refund})
			return
		}
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

func (ctl *PaymentController) ListRefunds(c *gin.Context) {
	defer recordOperation(c, "refund_list")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	paymentID := c.Param("paymentId")
	if _, err := ctl.owned(c.Request.Context(), userID, paymentID); err != nil {
		respondError(c, ctl.logger, err)
		return
	}

	refunds, err := ctl.refunds.ListRefunds(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	if refunds == nil {
		refunds = []*models.Refund{}
	}
	c.JSON(http.StatusOK, refunds)
}

func (ctl *PaymentController) GetRefund(c *gin.Context) {
	defer recordOperation(c, "refund_details")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	refundID := c.Param("refundId")
	refund, err := ctl.refunds.GetRefund(c.Request.Context(), refundID)
	if err == nil {
		if _, ownErr := ctl.owned(c.Request.Context(), userID, refund.PaymentID); ownErr != nil {
			err = fmt.Errorf("%w: %s", models.ErrRefundNotFound, refundID)
		}
	}
	if err != nil {
		respondError(c, ctl.logger, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// owned loads the payment and hides it from anyone but its payer.
func (ctl *PaymentController) owned(ctx context.Context, userID, paymentID string) (*models.Payment, error) {
	payment, err := ctl.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, paymentID)
	}
	return payment, nil
}
