package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sagalabs/fulfillment/internal/cache"
	"github.com/sagalabs/fulfillment/internal/metrics"
	"github.com/sagalabs/fulfillment/internal/models"
	"github.com/sagalabs/fulfillment/internal/validator"
)

// orderCacheTTL is short on purpose: the workers rewrite order status out of
// band, so a cached read may lag the row by at most this much.
const orderCacheTTL = 30 * time.Second

func orderCacheKey(orderID uuid.UUID) string {
	return "order:" + orderID.String()
}

func (app *application) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	var input struct {
		CustomerName  string             `json:"customer_name"`
		CustomerEmail string             `json:"customer_email"`
		Items         []models.OrderItem `json:"items"`
	}
	if err := readJSON(w, r, &input); err != nil {
		badRequestResponse(w, err)
		return
	}

	// A replayed request with a known idempotency key returns the original
	// order instead of creating a second one.
	idempotencyKey := r.Header.Get("X-Idempotency-Key")
	if idempotencyKey != "" {
		key, err := app.keys.Get(r.Context(), idempotencyKey)
		if err == nil {
			writeJSON(w, http.StatusOK, envelope{
				"order_id": key.OrderID,
				"message":  "Order already exists. Use GET /orders/{id}",
			}, nil)
			return
		}
	}

	order := models.NewOrder(input.CustomerName, input.CustomerEmail, input.Items)

	v := validator.New()
	models.ValidateOrder(v, order)
	if !v.Valid() {
		failedValidationResponse(w, v.Errors)
		return
	}

	if err := app.orders.Insert(r.Context(), order); err != nil {
		app.serverErrorResponse(w, err)
		return
	}

	if idempotencyKey != "" {
		if err := app.keys.Insert(r.Context(), idempotencyKey, order.ID); err != nil {
			app.serverErrorResponse(w, err)
			return
		}
	}

	metrics.OrdersCreated.Inc()
	app.logger.Info("Order created", "order_id", order.ID, "total_amount", order.TotalAmount)

	// Fire and forget: a broker outage must not fail the request. The order
	// row is already persisted; a dropped event only means no worker picks
	// the order up.
	app.pub.Publish(r.Context(), app.config.Broker.OrderCreatedKey, order)

	writeJSON(w, http.StatusCreated, envelope{"order": order}, nil)
}

func (app *application) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := readIDParam(r)
	if err != nil {
		badRequestResponse(w, err)
		return
	}

	cacheKey := orderCacheKey(orderID)
	if app.cache != nil {
		cached, err := app.cache.Get(r.Context(), cacheKey)
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(cached))
			return
		}
		if !cache.IsMiss(err) {
			app.logger.Warn("Cache read failed", "error", err)
		}
	}

	order, err := app.orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			notFoundResponse(w)
			return
		}
		app.serverErrorResponse(w, err)
		return
	}

	payload := envelope{"order": order}

	if app.cache != nil {
		if js, err := jsonFor(payload); err == nil {
			if err := app.cache.Set(r.Context(), cacheKey, js, orderCacheTTL); err != nil {
				app.logger.Warn("Cache write failed", "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, payload, nil)
}

func (app *application) listOrdersHandler(w http.ResponseWriter, r *http.Request) {
	orders, err := app.orders.List(r.Context())
	if err != nil {
		app.serverErrorResponse(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{"orders": orders}, nil)
}

// cancelOrderHandler cancels an order that no stage has touched yet. Once the
// payment stage picks the order up, cancellation is refused: compensating a
// charged payment is out of scope here.
func (app *application) cancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := readIDParam(r)
	if err != nil {
		badRequestResponse(w, err)
		return
	}

	order, err := app.orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			notFoundResponse(w)
			return
		}
		app.serverErrorResponse(w, err)
		return
	}

	ok, err := app.orders.Cancel(r.Context(), orderID)
	if err != nil {
		app.serverErrorResponse(w, err)
		return
	}
	if !ok {
		conflictResponse(w, "order is already being processed and can no longer be cancelled")
		return
	}

	if app.cache != nil {
		app.cache.Delete(r.Context(), orderCacheKey(orderID))
	}

	app.logger.Info("Order cancelled", "order_id", orderID)

	order.Status = models.OrderCancelled
	order.UpdatedAt = time.Now()
	writeJSON(w, http.StatusOK, envelope{"order": order}, nil)
}
