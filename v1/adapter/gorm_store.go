package adapter

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
)

const (
	defaultGormKeyColumn = "id"
	defaultGormOpTimeout = 5 * time.Second
)

// GormStore implements Store over a GORM model. T must be a GORM model whose
// table has keyColumn as its primary key.
type GormStore[T any] struct {
	db        *gorm.DB
	keyColumn string
	timeout   time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	keyColumn string
	timeout   time.Duration
}

// WithGormKeyColumn sets the column keys are matched against.
func WithGormKeyColumn(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.keyColumn = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection.
func NewGormStore[T any](db *gorm.DB, opts ...GormOption) *GormStore[T] {
	o := gormStoreOptions{
		keyColumn: defaultGormKeyColumn,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &GormStore[T]{
		db:        db,
		keyColumn: o.keyColumn,
		timeout:   o.timeout,
	}
}

// DB exposes the underlying connection.
func (s *GormStore[T]) DB() *gorm.DB { return s.db }

// Migrate creates or updates the table of T.
func (s *GormStore[T]) Migrate(ctx context.Context) error {
	var model T
	return mapGormErr(s.db.WithContext(ctx).AutoMigrate(&model))
}

// Get implements Store.Get.
func (s *GormStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, mapGormErr(err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var v T
	err := s.db.WithContext(cctx).Where(clause.Eq{Column: clause.Column{Name: s.keyColumn}, Value: key}).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapGormErr(err)
	}
	return v, true, nil
}

// Set implements Store.Set. The key is carried by the value itself.
func (s *GormStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return mapGormErr(err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.db.WithContext(cctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: s.keyColumn}},
		UpdateAll: true,
	}).Create(&value).Error
	return mapGormErr(err)
}

// Keys returns the key of every stored row.
func (s *GormStore[T]) Keys(ctx context.Context) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var model T
	var keys []string
	if err := s.db.WithContext(cctx).Model(&model).Pluck(s.keyColumn, &keys).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return keys, nil
}

// List returns the rows whose column equals value, ordered by orderBy. An
// empty column lists every row; an empty orderBy leaves the order unset.
func (s *GormStore[T]) List(ctx context.Context, column string, value any, orderBy string) ([]T, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := s.db.WithContext(cctx)
	if column != "" {
		q = q.Where(clause.Eq{Column: clause.Column{Name: column}, Value: value})
	}
	if orderBy != "" {
		q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: orderBy}})
	}
	var out []T
	if err := q.Find(&out).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return out, nil
}

// Update applies fields to the row with key. It returns errors.ErrNotFound
// when no row matches.
func (s *GormStore[T]) Update(ctx context.Context, key string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return mapGormErr(err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var model T
	res := s.db.WithContext(cctx).Model(&model).Where(clause.Eq{Column: clause.Column{Name: s.keyColumn}, Value: key}).Updates(fields)
	if res.Error != nil {
		return mapGormErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fserrors.ErrNotFound
	}
	return nil
}

func mapGormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fserrors.ErrTimeout
	}
	return err
}
