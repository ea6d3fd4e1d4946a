package coord

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
)

const defaultOpTimeout = 2 * time.Second

// Store is the coordination store adapter.
type Store struct {
	client  *redis.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	timeout  time.Duration
	settings gobreaker.Settings
	log      *slog.Logger
}

// WithTimeout sets the per-operation timeout. Blocking stream reads get the
// block duration added on top of it.
func WithTimeout(d time.Duration) Option {
	return func(o *storeOptions) {
		o.timeout = d
	}
}

// WithBreakerSettings replaces the default circuit breaker settings. Name,
// IsSuccessful and OnStateChange are filled in when left empty.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(o *storeOptions) {
		o.settings = st
	}
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(l *slog.Logger) Option {
	return func(o *storeOptions) {
		o.log = l
	}
}

// New returns a Store using the provided Redis client.
func New(client *redis.Client, opts ...Option) *Store {
	o := storeOptions{
		timeout: defaultOpTimeout,
		settings: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    10 * time.Second,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= 0.5
			},
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	st := o.settings
	if st.Name == "" {
		st.Name = "coordination-store"
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = isSuccessful
	}
	if st.OnStateChange == nil {
		log := o.log
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			log.Warn("flashsale: coordination breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		}
	}
	return &Store{
		client:  client,
		timeout: o.timeout,
		breaker: gobreaker.NewCircuitBreaker(st),
		log:     o.log,
	}
}

// Client exposes the underlying Redis client.
func (s *Store) Client() *redis.Client { return s.client }

// callerDone marks a failure caused by the caller's own context ending.
type callerDone struct{ err error }

func (e callerDone) Error() string { return e.err.Error() }
func (e callerDone) Unwrap() error { return e.err }

// isSuccessful decides what counts against the breaker. Replies from a live
// server, misses and the caller's own cancellation or deadline do not.
func isSuccessful(err error) bool {
	if err == nil || stdErrors.Is(err, redis.Nil) || stdErrors.Is(err, context.Canceled) {
		return true
	}
	var done callerDone
	if stdErrors.As(err, &done) {
		return true
	}
	var rerr redis.Error
	return stdErrors.As(err, &rerr)
}

func (s *Store) do(ctx context.Context, op string, extra time.Duration, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout+extra)
	defer cancel()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		err := fn(cctx)
		if err == nil {
			return nil, nil
		}
		if cerr := callerEnded(ctx); cerr != nil {
			return nil, callerDone{err: cerr}
		}
		return nil, err
	})
	return classify(op, err)
}

// callerEnded reports the caller's context error, counting a deadline that
// has passed even before the context's own timer fires.
func callerEnded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}

// classify maps a client error onto the error taxonomy. The caller's own
// cancellation or deadline is returned as is.
func classify(op string, err error) error {
	if err == nil || stdErrors.Is(err, redis.Nil) {
		return err
	}
	var done callerDone
	if stdErrors.As(err, &done) {
		return fmt.Errorf("%s: %w", op, done.err)
	}
	var nerr net.Error
	switch {
	case stdErrors.Is(err, gobreaker.ErrOpenState), stdErrors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %s: %w", fserrors.ErrCoordinationUnavailable, op, err)
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", fserrors.ErrCoordinationUnavailable, op, fserrors.ErrTimeout)
	case stdErrors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case stdErrors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %s: %w", fserrors.ErrCoordinationUnavailable, op, fserrors.ErrConnectionClosed)
	case stdErrors.As(err, &nerr) && nerr.Timeout():
		return fmt.Errorf("%w: %s: %w", fserrors.ErrCoordinationUnavailable, op, fserrors.ErrTimeout)
	}
	var rerr redis.Error
	if stdErrors.As(err, &rerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", fserrors.ErrCoordinationUnavailable, op, err)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", 0, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// Get returns the string value of key. The boolean is false when the key
// does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.do(ctx, "get", 0, func(ctx context.Context) error {
		var err error
		val, err = s.client.Get(ctx, key).Result()
		return err
	})
	if stdErrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores value under key. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return s.do(ctx, "set", 0, func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX stores value only if key is absent and reports whether it did.
func (s *Store) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do(ctx, "setnx", 0, func(ctx context.Context) error {
		var err error
		ok, err = s.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

// Del removes keys and returns how many existed.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := s.do(ctx, "del", 0, func(ctx context.Context) error {
		var err error
		n, err = s.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

// IncrWithExpiry increments the counter at key and (re)sets its expiry in a
// single round trip.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	err := s.do(ctx, "incr", 0, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Eval runs a Lua script atomically on the server.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	var res any
	err := s.do(ctx, "eval", 0, func(ctx context.Context) error {
		var err error
		res, err = script.Run(ctx, s.client, keys, args...).Result()
		return err
	})
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// XAdd appends a record to stream and returns its id.
func (s *Store) XAdd(ctx context.Context, stream string, values map[string]any) (string, error) {
	var id string
	err := s.do(ctx, "xadd", 0, func(ctx context.Context) error {
		var err error
		id, err = s.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
		return err
	})
	return id, err
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (s *Store) EnsureGroup(ctx context.Context, stream, group, start string) error {
	return s.do(ctx, "xgroup create", 0, func(ctx context.Context) error {
		err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
		if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	})
}

// ReadGroup reads records of a single stream for a group consumer. An
// expired block returns no records and no error.
func (s *Store) ReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XMessage, error) {
	var res []redis.XStream
	extra := args.Block
	if extra < 0 {
		extra = 0
	}
	err := s.do(ctx, "xreadgroup", extra, func(ctx context.Context) error {
		var err error
		res, err = s.client.XReadGroup(ctx, args).Result()
		return err
	})
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// Ack acknowledges records for group.
func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.do(ctx, "xack", 0, func(ctx context.Context) error {
		return s.client.XAck(ctx, stream, group, ids...).Err()
	})
}

// PendingCount returns how many records of group are unacknowledged.
func (s *Store) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	var n int64
	err := s.do(ctx, "xpending", 0, func(ctx context.Context) error {
		res, err := s.client.XPending(ctx, stream, group).Result()
		if err != nil {
			return err
		}
		n = res.Count
		return nil
	})
	if stdErrors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Pending lists unacknowledged records matching args.
func (s *Store) Pending(ctx context.Context, args *redis.XPendingExtArgs) ([]redis.XPendingExt, error) {
	var res []redis.XPendingExt
	err := s.do(ctx, "xpending", 0, func(ctx context.Context) error {
		var err error
		res, err = s.client.XPendingExt(ctx, args).Result()
		return err
	})
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// Claim transfers ownership of pending records to args.Consumer.
func (s *Store) Claim(ctx context.Context, args *redis.XClaimArgs) ([]redis.XMessage, error) {
	var res []redis.XMessage
	err := s.do(ctx, "xclaim", 0, func(ctx context.Context) error {
		var err error
		res, err = s.client.XClaim(ctx, args).Result()
		return err
	})
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}
