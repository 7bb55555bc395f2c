package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagalabs/fulfillment/internal/validator"
)

// ErrOrderNotFound is returned when an order id has no row in the store.
var ErrOrderNotFound = errors.New("order not found")

// OrderStatus tracks the overall order lifecycle. Cancelled is reachable only
// from pending and is never produced by a saga stage.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
	OrderCancelled  OrderStatus = "cancelled"
)

// PaymentStatus is owned by the payment stage.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentApproved   PaymentStatus = "approved"
	PaymentRejected   PaymentStatus = "rejected"
)

// InventoryStatus is owned by the inventory stage. Confirmed is reserved for a
// later fulfillment step and is never produced by the stages here.
type InventoryStatus string

const (
	InventoryPending    InventoryStatus = "pending"
	InventoryReserved   InventoryStatus = "reserved"
	InventoryConfirmed  InventoryStatus = "confirmed"
	InventoryOutOfStock InventoryStatus = "out_of_stock"
)

// Order is the aggregate shared by every stage. The three status fields are
// each written by a single stage; stage writes are column-scoped so concurrent
// workers never clobber another stage's field.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	CustomerName    string          `json:"customer_name"`
	CustomerEmail   string          `json:"customer_email"`
	TotalAmount     float64         `json:"total_amount"`
	Status          OrderStatus     `json:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	InventoryStatus InventoryStatus `json:"inventory_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Items           []OrderItem     `json:"items"`
}

// OrderItem is a line on an order. TotalPrice is computed once at creation
// (quantity times unit price) and stored; it is never recomputed afterwards.
type OrderItem struct {
	ID          int       `json:"id"`
	OrderID     uuid.UUID `json:"order_id"`
	ProductName string    `json:"product_name"`
	SKU         string    `json:"sku"`
	Quantity    int       `json:"quantity"`
	UnitPrice   float64   `json:"unit_price"`
	TotalPrice  float64   `json:"total_price"`
}

// NewOrder assigns identity and timestamps, freezes each item's line total,
// and sums them into the order total. All three statuses start pending.
func NewOrder(customerName, customerEmail string, items []OrderItem) *Order {
	now := time.Now()

	order := &Order{
		ID:              uuid.New(),
		CustomerName:    customerName,
		CustomerEmail:   customerEmail,
		Status:          OrderPending,
		PaymentStatus:   PaymentPending,
		InventoryStatus: InventoryPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var total float64
	for i := range items {
		items[i].OrderID = order.ID
		items[i].TotalPrice = float64(items[i].Quantity) * items[i].UnitPrice
		total += items[i].TotalPrice
	}

	order.Items = items
	order.TotalAmount = total

	return order
}

func ValidateOrder(v *validator.Validator, order *Order) {
	v.Check(order.CustomerName != "", "customer_name", "must be provided")

	v.Check(order.CustomerEmail != "", "customer_email", "must be provided")
	if order.CustomerEmail != "" {
		v.Check(validator.Matches(order.CustomerEmail, validator.EmailRX), "customer_email", "must be a valid email address")
	}

	v.Check(len(order.Items) > 0, "items", "must contain at least one item")

	for i, item := range order.Items {
		keyName := fmt.Sprintf("items[%d].product_name", i)
		keySKU := fmt.Sprintf("items[%d].sku", i)
		keyQty := fmt.Sprintf("items[%d].quantity", i)
		keyPrice := fmt.Sprintf("items[%d].unit_price", i)

		v.Check(item.ProductName != "", keyName, "product name must be provided")
		v.Check(item.SKU != "", keySKU, "sku must be provided")
		v.Check(item.Quantity > 0, keyQty, "quantity must be greater than zero")
		v.Check(item.UnitPrice > 0, keyPrice, "unit price must be greater than zero")
	}
}

// OrderModel is a wrapper for the database connection.
type OrderModel struct {
	DB *sql.DB
}

// Insert stores the order and its items in one transaction.
func (o OrderModel) Insert(ctx context.Context, order *Order) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_name, customer_email, total_amount, status, payment_status, inventory_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		order.ID, order.CustomerName, order.CustomerEmail, order.TotalAmount,
		order.Status, order.PaymentStatus, order.InventoryStatus,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		tx.Rollback()
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO order_items (order_id, product_name, sku, quantity, unit_price, total_price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range order.Items {
		item := &order.Items[i]
		err = stmt.QueryRowContext(ctx, order.ID, item.ProductName, item.SKU, item.Quantity, item.UnitPrice, item.TotalPrice).Scan(&item.ID)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Get loads the order and its items, or ErrOrderNotFound.
func (o OrderModel) Get(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	order := &Order{}
	row := o.DB.QueryRowContext(ctx, `
		SELECT id, customer_name, customer_email, total_amount, status, payment_status, inventory_status, created_at, updated_at
		FROM orders WHERE id = $1`,
		orderID,
	)
	err := row.Scan(
		&order.ID, &order.CustomerName, &order.CustomerEmail, &order.TotalAmount,
		&order.Status, &order.PaymentStatus, &order.InventoryStatus,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	rows, err := o.DB.QueryContext(ctx, `
		SELECT id, order_id, product_name, sku, quantity, unit_price, total_price
		FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		item := OrderItem{}
		err = rows.Scan(&item.ID, &item.OrderID, &item.ProductName, &item.SKU, &item.Quantity, &item.UnitPrice, &item.TotalPrice)
		if err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

// List returns every order with its items, newest first.
func (o OrderModel) List(ctx context.Context) ([]*Order, error) {
	rows, err := o.DB.QueryContext(ctx, `
		SELECT id, customer_name, customer_email, total_amount, status, payment_status, inventory_status, created_at, updated_at
		FROM orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	byID := make(map[uuid.UUID]*Order)

	for rows.Next() {
		order := &Order{}
		err = rows.Scan(
			&order.ID, &order.CustomerName, &order.CustomerEmail, &order.TotalAmount,
			&order.Status, &order.PaymentStatus, &order.InventoryStatus,
			&order.CreatedAt, &order.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		byID[order.ID] = order
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemRows, err := o.DB.QueryContext(ctx, `
		SELECT id, order_id, product_name, sku, quantity, unit_price, total_price
		FROM order_items ORDER BY order_id, id`)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		item := OrderItem{}
		err = itemRows.Scan(&item.ID, &item.OrderID, &item.ProductName, &item.SKU, &item.Quantity, &item.UnitPrice, &item.TotalPrice)
		if err != nil {
			return nil, err
		}
		if order, ok := byID[item.OrderID]; ok {
			order.Items = append(order.Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// MarkPaymentProcessing moves both the payment status and the order status to
// processing. The payment guard admits pending (first delivery) and processing
// (rerun after a crash mid unit-of-work); the order guard fences out cancelled
// orders, and taking the order out of pending blocks cancellation from this
// point on. A false return means the delivery was already handled or the order
// was cancelled first.
func (o OrderModel) MarkPaymentProcessing(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res, err := o.DB.ExecContext(ctx, `
		UPDATE orders SET payment_status = 'processing', status = 'processing', updated_at = NOW()
		WHERE id = $1 AND payment_status IN ('pending', 'processing') AND status IN ('pending', 'processing')`,
		orderID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SetPaymentOutcome records the payment result and the matching order status
// in one write. Guarded on payment_status = processing so a redelivered
// message cannot flip an outcome that is already terminal.
func (o OrderModel) SetPaymentOutcome(ctx context.Context, orderID uuid.UUID, payment PaymentStatus, status OrderStatus) (bool, error) {
	res, err := o.DB.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, status = $2, updated_at = NOW()
		WHERE id = $3 AND payment_status = 'processing'`,
		payment, status, orderID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SetInventoryOutcome records the inventory result and the matching order
// status in one write. Guarded on inventory_status = pending; the inventory
// stage has no intermediate state.
func (o OrderModel) SetInventoryOutcome(ctx context.Context, orderID uuid.UUID, inventory InventoryStatus, status OrderStatus) (bool, error) {
	res, err := o.DB.ExecContext(ctx, `
		UPDATE orders SET inventory_status = $1, status = $2, updated_at = NOW()
		WHERE id = $3 AND inventory_status = 'pending'`,
		inventory, status, orderID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkFailed force-fails an order that exhausted its redeliveries. Completed
// and already-failed orders are left alone.
func (o OrderModel) MarkFailed(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res, err := o.DB.ExecContext(ctx, `
		UPDATE orders SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		orderID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// Cancel cancels an order that no stage has touched yet.
func (o OrderModel) Cancel(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res, err := o.DB.ExecContext(ctx, `
		UPDATE orders SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		orderID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
