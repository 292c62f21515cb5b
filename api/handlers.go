// Package api предоставляет HTTP поверхность биллинга: старт саги,
// IPN callback шлюза и read-only запросы статуса через проекцию.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/projection"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/saga"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// Коды ответа IPN endpoint'а в формате платёжного шлюза. Шлюз
// повторяет доставку callback'а, пока не получит подтверждение.
const (
	ipnCodeOK           = "00"
	ipnCodeOrderUnknown = "01"
	ipnCodeError        = "99"
)

// StartPaymentRequest тело запроса на старт саги оплаты.
type StartPaymentRequest struct {
	UserID           string  `json:"user_id" binding:"required"`
	SubscriptionID   string  `json:"subscription_id" binding:"required"`
	Amount           float64 `json:"amount" binding:"required,gt=0"`
	Currency         string  `json:"currency" binding:"required,len=3"`
	OrderDescription string  `json:"order_description"`
}

// Handlers обработчики HTTP поверхности биллинга.
type Handlers struct {
	publisher transport.Publisher
	statuses  projection.StatusStore
	sagas     saga.Store
	logger    *slog.Logger
}

// NewHandlers создает обработчики поверх публикатора и хранилищ.
func NewHandlers(publisher transport.Publisher, statuses projection.StatusStore, sagas saga.Store) *Handlers {
	return &Handlers{
		publisher: publisher,
		statuses:  statuses,
		sagas:     sagas,
		logger:    slog.Default().With("component", "billing-api"),
	}
}

// Register регистрирует маршруты биллинга.
func (h *Handlers) Register(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/subscription-payments", h.startPayment)
		api.GET("/subscription-payments", h.listPayments)
		api.GET("/subscription-payments/:correlationId/status", h.getStatus)
		api.GET("/subscription-payments/failed-captured", h.listFailedCaptured)
		api.GET("/payments/ipn", h.handleIPN)
	}
}

// startPayment публикует стартовое событие саги и возвращает 202.
// Сама сага создается оркестратором асинхронно, клиент опрашивает
// статус по correlation id.
func (h *Handlers) startPayment(c *gin.Context) {
	var req StartPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := domain.NormalizeAmount(req.Amount, req.Currency); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	correlationID := uuid.New()
	env, err := domain.NewEnvelope(domain.EventPaymentRequested, correlationID.String(), &domain.PaymentRequestedData{
		UserID:           req.UserID,
		SubscriptionID:   req.SubscriptionID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		OrderDescription: req.OrderDescription,
		IPAddress:        c.ClientIP(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.publish(c, env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"correlation_id": correlationID.String(),
		"order_id":       saga.EncodeOrderRef(correlationID),
	})
}

// handleIPN принимает callback шлюза. Референс заказа декодируется
// кодеком: чужой префикс это routing miss с кодом 01, а не ошибка,
// endpoint обслуживает и другие типы заказов того же шлюза.
func (h *Handlers) handleIPN(c *gin.Context) {
	orderRef := c.Query("order_id")
	status := c.Query("status")
	transactionID := c.Query("transaction_id")

	correlationID, err := saga.DecodeOrderRef(orderRef)
	if err != nil {
		h.logger.Info("ipn callback for foreign order reference",
			"order_id", orderRef)
		c.JSON(http.StatusOK, gin.H{"RspCode": ipnCodeOrderUnknown, "Message": "Order not found"})
		return
	}

	var env *domain.Envelope
	switch status {
	case "success":
		env, err = domain.NewEnvelope(domain.EventPaymentCompleted, correlationID.String(), &domain.PaymentCompletedData{
			TransactionID: transactionID,
			CompletedAt:   time.Now().UTC(),
		})
	case "failed":
		env, err = domain.NewEnvelope(domain.EventPaymentFailed, correlationID.String(), &domain.PaymentFailedData{
			Reason:   "payment rejected by gateway",
			FailedAt: time.Now().UTC(),
		})
	default:
		c.JSON(http.StatusOK, gin.H{"RspCode": ipnCodeError, "Message": "Unknown status"})
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"RspCode": ipnCodeError, "Message": "Internal error"})
		return
	}
	if err := h.publish(c, env); err != nil {
		h.logger.Error("failed to publish ipn event",
			"correlation_id", correlationID.String(), "error", err)
		c.JSON(http.StatusOK, gin.H{"RspCode": ipnCodeError, "Message": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"RspCode": ipnCodeOK, "Message": "Confirm Success"})
}

// getStatus отдает статус саги из проекции. Оркестратор синхронно
// не опрашивается, клиент видит только read-model.
func (h *Handlers) getStatus(c *gin.Context) {
	correlationID := c.Param("correlationId")
	if _, err := uuid.Parse(correlationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid correlation id"})
		return
	}

	row, err := h.statuses.Load(c.Request.Context(), correlationID)
	if err != nil {
		if core.HasCode(err, core.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"correlation_id":         row.CorrelationID,
		"order_id":               row.OrderID,
		"current_state":          row.CurrentState,
		"payment_url_created":    row.PaymentURLCreated,
		"payment_completed":      row.PaymentCompleted,
		"subscription_activated": row.SubscriptionActivated,
	}
	if row.PaymentURL != "" {
		resp["payment_url"] = row.PaymentURL
	}
	if row.FailureReason != "" {
		resp["failure_reason"] = row.FailureReason
	}
	c.JSON(http.StatusOK, resp)
}

// listPayments отдает проекции по фильтру user_id/state.
func (h *Handlers) listPayments(c *gin.Context) {
	filter := projection.StatusFilter{
		UserID: c.Query("user_id"),
		State:  c.Query("state"),
		Limit:  50,
	}
	if filter.State != "" && !saga.State(filter.State).IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = parsed
	}
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		filter.Offset = parsed
	}

	rows, err := h.statuses.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		items = append(items, gin.H{
			"correlation_id":         row.CorrelationID,
			"order_id":               row.OrderID,
			"current_state":          row.CurrentState,
			"user_id":                row.UserID,
			"subscription_id":        row.SubscriptionID,
			"amount":                 row.Amount,
			"currency":               row.Currency,
			"payment_completed":      row.PaymentCompleted,
			"subscription_activated": row.SubscriptionActivated,
			"updated_at":             row.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// listFailedCaptured отдает саги, упавшие после захвата платежа.
// Выборка для ручного разбора, автоматический refund не выполняется.
func (h *Handlers) listFailedCaptured(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	instances, err := h.sagas.ListFailedCaptured(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]gin.H, 0, len(instances))
	for _, inst := range instances {
		items = append(items, gin.H{
			"correlation_id": inst.CorrelationID,
			"order_id":       inst.OrderID,
			"user_id":        inst.UserID,
			"transaction_id": inst.TransactionID,
			"amount":         inst.Amount,
			"currency":       inst.Currency,
			"failure_reason": inst.FailureReason,
			"failed_at":      inst.FailedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (h *Handlers) publish(c *gin.Context, env *domain.Envelope) error {
	msg, err := env.ToMessage()
	if err != nil {
		return err
	}
	return h.publisher.Publish(c.Request.Context(), msg.Subject, msg.Data, msg.Headers)
}
