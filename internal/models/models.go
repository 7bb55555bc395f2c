package models

import "database/sql"

type Models struct {
	Order          OrderModel
	IdempotencyKey IdempotencyKeyModel
}

func NewModels(db *sql.DB) Models {
	return Models{
		Order:          OrderModel{DB: db},
		IdempotencyKey: IdempotencyKeyModel{DB: db},
	}
}
