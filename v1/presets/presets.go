// Package presets wires the flash-sale components into ready-to-use stacks.
package presets

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-flashsale/v1/adapter"
	"github.com/mirkobrombin/go-flashsale/v1/admission"
	"github.com/mirkobrombin/go-flashsale/v1/cache"
	"github.com/mirkobrombin/go-flashsale/v1/catalog"
	"github.com/mirkobrombin/go-flashsale/v1/coord"
	"github.com/mirkobrombin/go-flashsale/v1/domain"
	"github.com/mirkobrombin/go-flashsale/v1/flashsale"
	"github.com/mirkobrombin/go-flashsale/v1/fulfillment"
	"github.com/mirkobrombin/go-flashsale/v1/idgen"
	"github.com/mirkobrombin/go-flashsale/v1/lock"
	"github.com/mirkobrombin/go-flashsale/v1/storage/memory"
	"github.com/mirkobrombin/go-flashsale/v1/storage/postgres"
	"github.com/mirkobrombin/go-flashsale/v1/storage/postgres/migrations"
	"github.com/mirkobrombin/go-flashsale/v1/validator"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Options configures a Stack.
type Options struct {
	Redis RedisOptions
	// DatabaseURL is the Postgres DSN used by NewPostgres.
	DatabaseURL string
	// ServiceEnqueue makes the service append admitted orders to the stream
	// after the admission script instead of inside it.
	ServiceEnqueue bool
	// ShopStrategy selects the cache rebuild strategy for shops.
	ShopStrategy cache.Strategy
	// Consumer names this process in the fulfillment consumer group.
	Consumer string
	// LocalVoucherTTL enables the process-local voucher tier when positive.
	LocalVoucherTTL time.Duration
	// ValidateMode controls the shop cache validator; ModeNoop disables it.
	ValidateMode     validator.Mode
	ValidateInterval time.Duration
	Logger           *slog.Logger
	Tracing          bool
}

// orderStore is what the fulfillment queue and order status lookups need.
type orderStore interface {
	fulfillment.Store
	flashsale.OrderFinder
}

// shopStore is the authoritative shop storage, enumerable for validation.
type shopStore interface {
	adapter.Store[domain.Shop]
	validator.Source[domain.Shop]
}

// Stack is a fully wired flash-sale core.
type Stack struct {
	Client        *redis.Client
	Coord         *coord.Store
	Gate          *admission.Gate
	Queue         *fulfillment.Queue
	Service       *flashsale.Service
	ShopValidator *validator.Validator[domain.Shop]

	closers []func()
}

// Close releases every resource owned by the stack, in reverse order.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// NewRedisClient returns a client for opts. Context deadlines bound socket
// reads, so the coordination store's per-operation timeout applies.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  opts.Addr,
		Password:              opts.Password,
		DB:                    opts.DB,
		ContextTimeoutEnabled: true,
	})
}

// NewPostgres builds a stack on Redis and Postgres. Migrations are applied
// before it returns.
func NewPostgres(ctx context.Context, opts Options) (*Stack, error) {
	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	db, err := gorm.Open(gormpostgres.Open(opts.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	client := NewRedisClient(opts.Redis)
	vouchers := adapter.NewGormStore[domain.Voucher](db)
	types := adapter.NewGormStore[domain.ShopType](db)
	lists := listSources{
		shopTypes: func(ctx context.Context, _ string) ([]domain.ShopType, error) {
			return types.List(ctx, "", nil, "sort")
		},
		shopVouchers: func(ctx context.Context, shopID string) ([]domain.Voucher, error) {
			id, err := strconv.ParseInt(shopID, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("shop id %q: %w", shopID, err)
			}
			return vouchers.List(ctx, "shop_id", id, "id")
		},
	}
	s, err := build(client, vouchers, adapter.NewGormStore[domain.Shop](db), postgres.NewOrderStore(pool), lists, opts)
	if err != nil {
		_ = client.Close()
		pool.Close()
		return nil, err
	}
	s.closers = append([]func(){
		pool.Close,
		func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
		func() { _ = client.Close() },
	}, s.closers...)
	return s, nil
}

// InMemory is a stack whose authoritative stores live in process memory.
type InMemory struct {
	*Stack
	Vouchers  *adapter.InMemoryStore[domain.Voucher]
	Shops     *adapter.InMemoryStore[domain.Shop]
	ShopTypes *adapter.InMemoryStore[domain.ShopType]
	Orders    *memory.OrderStore
}

// NewInMemoryStandalone builds a stack on client with in-memory stores.
// Useful for local development, benchmarks and tests.
func NewInMemoryStandalone(client *redis.Client, opts Options) (*InMemory, error) {
	vouchers := adapter.NewInMemoryStore[domain.Voucher]()
	shops := adapter.NewInMemoryStore[domain.Shop]()
	types := adapter.NewInMemoryStore[domain.ShopType]()
	orders := memory.NewOrderStore()
	lists := listSources{
		shopTypes: func(ctx context.Context, _ string) ([]domain.ShopType, error) {
			l, err := types.List(ctx, nil)
			sort.Slice(l, func(i, j int) bool { return l[i].Sort < l[j].Sort })
			return l, err
		},
		shopVouchers: func(ctx context.Context, shopID string) ([]domain.Voucher, error) {
			l, err := vouchers.List(ctx, func(v domain.Voucher) bool { return strconv.FormatInt(v.ShopID, 10) == shopID })
			sort.Slice(l, func(i, j int) bool { return l[i].ID < l[j].ID })
			return l, err
		},
	}
	s, err := build(client, vouchers, shops, orders, lists, opts)
	if err != nil {
		return nil, err
	}
	return &InMemory{Stack: s, Vouchers: vouchers, Shops: shops, ShopTypes: types, Orders: orders}, nil
}

// listSources are the list queries behind the cached list reads.
type listSources struct {
	shopTypes    func(ctx context.Context, id string) ([]domain.ShopType, error)
	shopVouchers func(ctx context.Context, shopID string) ([]domain.Voucher, error)
}

func build(client *redis.Client, vouchers adapter.Store[domain.Voucher], shops shopStore, orders orderStore, lists listSources, opts Options) (*Stack, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	store := coord.New(client, coord.WithLogger(log))
	locker := lock.NewRedis(store)

	gateOpts := []admission.Option{}
	if !opts.ServiceEnqueue {
		gateOpts = append(gateOpts, admission.WithFulfillmentStream(coord.DefaultOrderStream))
	}
	if opts.Tracing {
		gateOpts = append(gateOpts, admission.WithTracing())
	}
	gate := admission.New(store, idgen.New(store), gateOpts...)

	queueOpts := []fulfillment.Option{fulfillment.WithLogger(log)}
	if opts.Consumer != "" {
		queueOpts = append(queueOpts, fulfillment.WithConsumer(opts.Consumer))
	}
	queue := fulfillment.New(store, locker, orders, queueOpts...)

	voucherOpts := []cache.Option[domain.Voucher]{cache.WithLogger[domain.Voucher](log)}
	shopOpts := []cache.Option[domain.Shop]{
		cache.WithLogger[domain.Shop](log),
		cache.WithStrategy[domain.Shop](opts.ShopStrategy),
	}
	if opts.Tracing {
		voucherOpts = append(voucherOpts, cache.WithTracing[domain.Voucher]())
		shopOpts = append(shopOpts, cache.WithTracing[domain.Shop]())
	}
	voucherCache := cache.NewAside[domain.Voucher]("voucher", store, locker, vouchers.Get, voucherOpts...)
	shopCache := cache.NewAside[domain.Shop]("shop", store, locker, shops.Get, shopOpts...)
	typeCache := cache.NewAside[[]domain.ShopType]("shop-types", store, locker, cache.ListLoader(lists.shopTypes),
		cache.WithLogger[[]domain.ShopType](log))
	shopVoucherCache := cache.NewAside[[]domain.Voucher]("shop-vouchers", store, locker, cache.ListLoader(lists.shopVouchers),
		cache.WithLogger[[]domain.Voucher](log))

	interval := opts.ValidateInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Stack{
		Client:        client,
		Coord:         store,
		Gate:          gate,
		Queue:         queue,
		ShopValidator: validator.New[domain.Shop](shopCache, shops, opts.ValidateMode, interval, log),
		closers:       []func(){voucherCache.Close, shopCache.Close, typeCache.Close, shopVoucherCache.Close},
	}

	catalogOpts := []catalog.Option{catalog.WithLogger(log)}
	if opts.LocalVoucherTTL > 0 {
		local, err := cache.NewRistretto[domain.Voucher]()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("local voucher cache: %w", err)
		}
		s.closers = append(s.closers, local.Close)
		catalogOpts = append(catalogOpts, catalog.WithLocal(local, opts.LocalVoucherTTL))
	}

	s.Service = flashsale.New(flashsale.Components{
		Gate:         gate,
		Queue:        queue,
		Vouchers:     catalog.New(vouchers, voucherCache, catalogOpts...),
		Shops:        shopCache,
		ShopStore:    shops,
		Orders:       orders,
		ShopTypes:    typeCache,
		ShopVouchers: shopVoucherCache,
	}, flashsale.WithLogger(log))
	return s, nil
}
