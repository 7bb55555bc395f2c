// Package database provides a function for connecting to the database.
package database

import (
	"database/sql"

	"github.com/sagalabs/fulfillment/internal/config"
)

func NewConnection(cfg config.DB) (*sql.DB, error) {
	c, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}

	if err := c.Ping(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}
