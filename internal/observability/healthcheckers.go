package observability

import (
	"context"
	"errors"

	"go.etcd.io/bbolt"
)

// DatabaseHealthChecker checks that a bbolt database accepts read transactions
type DatabaseHealthChecker struct {
	name string
	db   *bbolt.DB
}

// NewDatabaseHealthChecker creates a new database health checker
func NewDatabaseHealthChecker(name string, db *bbolt.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{name: name, db: db}
}

func (c *DatabaseHealthChecker) Name() string { return c.name }

// HealthCheck opens and closes a read transaction
func (c *DatabaseHealthChecker) HealthCheck(_ context.Context) error {
	if c.db == nil {
		return errors.New("database is nil")
	}
	return c.db.View(func(_ *bbolt.Tx) error { return nil })
}

func (c *DatabaseHealthChecker) ReadinessCheck(ctx context.Context) error {
	return c.HealthCheck(ctx)
}

// FuncChecker adapts a function to both checker interfaces
type FuncChecker struct {
	name  string
	check func(ctx context.Context) error
}

// NewFuncChecker creates a checker named name that runs check
func NewFuncChecker(name string, check func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) HealthCheck(ctx context.Context) error { return c.check(ctx) }

func (c *FuncChecker) ReadinessCheck(ctx context.Context) error { return c.check(ctx) }
