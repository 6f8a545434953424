// Package repository provides a small generic gorm-backed store.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repository is the minimal persistence surface shared by master-data stores.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T) ([]*T, error)
	FindOne(ctx context.Context, query *T) (*T, error)
	Create(ctx context.Context, resource *T) error
	Save(ctx context.Context, resource *T) error
	Count(ctx context.Context, query *T) (int64, error)
}
