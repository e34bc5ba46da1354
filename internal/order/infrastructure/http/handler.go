package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/order/application"
	"github.com/dmehra2102/order-fulfillment-saga/internal/order/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/correlation"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
)

type Handler struct {
	log      *zap.Logger
	service  *application.Service
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewHandler(log *zap.Logger, service *application.Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
		tracer:   otel.Tracer("order-http"),
	}
}

type createOrderItem struct {
	ProductID   string `json:"product_id" validate:"required"`
	ProductName string `json:"product_name" validate:"required,max=200"`
	UnitPrice   string `json:"unit_price" validate:"required,numeric"`
	Quantity    int    `json:"quantity" validate:"gt=0"`
}

type createOrderReq struct {
	CustomerID      string            `json:"customer_id" validate:"required"`
	CustomerEmail   string            `json:"customer_email" validate:"required,email"`
	ShippingAddress string            `json:"shipping_address" validate:"required"`
	Notes           string            `json:"notes" validate:"max=1000"`
	Currency        string            `json:"currency" validate:"required,len=3"`
	Items           []createOrderItem `json:"items" validate:"required,min=1,dive"`
}

type cancelReq struct {
	Reason string `json:"reason" validate:"max=500"`
}

type orderItemResp struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	UnitPrice   string `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	TotalPrice  string `json:"total_price"`
}

type orderResp struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	CustomerEmail   string          `json:"customer_email"`
	ShippingAddress string          `json:"shipping_address"`
	Notes           string          `json:"notes,omitempty"`
	Status          string          `json:"status"`
	TotalAmount     string          `json:"total_amount"`
	Currency        string          `json:"currency"`
	CorrelationID   string          `json:"correlation_id"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	Items           []orderItemResp `json:"items"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation.Middleware)

	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/process", h.transition("StartProcessing", h.service.StartProcessing))
	r.Post("/orders/{id}/ship", h.transition("Ship", h.service.Ship))
	r.Post("/orders/{id}/deliver", h.transition("Deliver", h.service.Deliver))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	return r
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		logging.Warn(ctx, h.log, "order request rejected", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": formatValidationError(err)})
		return
	}

	in := application.PlaceOrderInput{
		CustomerID:      req.CustomerID,
		CustomerEmail:   req.CustomerEmail,
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
		Currency:        req.Currency,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, application.ItemInput{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice,
			Quantity:    it.Quantity,
		})
	}

	o, err := h.service.PlaceOrder(ctx, in)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("order.id", o.ID))
	w.Header().Set(correlation.Header, o.CorrelationID())
	writeJSON(w, http.StatusAccepted, toResp(o))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	o, err := h.service.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(o))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	var req cancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": formatValidationError(err)})
		return
	}

	o, err := h.service.CancelOrder(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(o))
}

func (h *Handler) transition(name string, fn func(ctx context.Context, id string) (*domain.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), name)
		defer span.End()

		o, err := fn(ctx, chi.URLParam(r, "id"))
		if err != nil {
			span.RecordError(err)
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toResp(o))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, application.ErrInvalidInput),
		errors.Is(err, domain.ErrEmptyOrder),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrCurrencyMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrVersionConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logging.Error(r.Context(), h.log, "order request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func toResp(o *domain.Order) orderResp {
	resp := orderResp{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		CustomerEmail:   o.CustomerEmail,
		ShippingAddress: o.ShippingAddress,
		Notes:           o.Notes,
		Status:          string(o.Status()),
		TotalAmount:     o.TotalAmount().Amount().StringFixed(2),
		Currency:        o.Currency(),
		CorrelationID:   o.CorrelationID(),
		FailureReason:   o.FailureReason(),
		CancelReason:    o.CancelReason(),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, it := range o.Items() {
		resp.Items = append(resp.Items, orderItemResp{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice.Amount().StringFixed(2),
			Quantity:    it.Quantity.Int(),
			TotalPrice:  it.TotalPrice().Amount().StringFixed(2),
		})
	}
	return resp
}

func formatValidationError(err error) map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["body"] = err.Error()
		return out
	}
	for _, fe := range verrs {
		field := strings.ToLower(fe.Namespace())
		switch fe.Tag() {
		case "required":
			out[field] = fmt.Sprintf("%s is required", fe.Field())
		case "email":
			out[field] = fmt.Sprintf("%s must be a valid email", fe.Field())
		case "gt", "min":
			out[field] = fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
		case "len":
			out[field] = fmt.Sprintf("%s must be %s characters", fe.Field(), fe.Param())
		default:
			out[field] = fmt.Sprintf("%s is invalid", fe.Field())
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
