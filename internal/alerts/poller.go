package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/logging"
	"github.com/ggonzalez94/solswap/internal/observability"
	"github.com/ggonzalez94/solswap/internal/storage"
)

type PriceSource interface {
	Price(ctx context.Context, mint string) (decimal.Decimal, bool, error)
}

// Notifier delivers a triggered alert to its owner.
type Notifier interface {
	Notify(ctx context.Context, ev storage.AlertEvent) error
}

type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev storage.AlertEvent) error {
	logging.Or(n.Log).Info("price alert",
		zap.String("owner", ev.OwnerID),
		zap.String("watch_id", ev.WatchID),
		zap.String("mint", ev.Mint),
		zap.String("direction", string(ev.Direction)),
		zap.String("price", ev.Price.String()),
		zap.String("target", ev.TargetPrice.String()))
	return nil
}

type Poller struct {
	store    storage.WatchStore
	prices   PriceSource
	notifier Notifier
	lock     *flock.Flock
	interval time.Duration
	log      *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

type PollerConfig struct {
	Interval time.Duration
	// LockPath guards against two pollers sharing one data directory.
	LockPath string
}

func NewPoller(store storage.WatchStore, prices PriceSource, notifier Notifier, cfg PollerConfig, log *zap.Logger, metrics *observability.Metrics) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	log = logging.Or(log)
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	p := &Poller{
		store:    store,
		prices:   prices,
		notifier: notifier,
		interval: cfg.Interval,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
	if cfg.LockPath != "" {
		p.lock = flock.New(cfg.LockPath)
	}
	return p
}

// Run ticks until ctx ends. It fails fast when another poller holds the lock.
func (p *Poller) Run(ctx context.Context) error {
	if p.lock != nil {
		locked, err := p.lock.TryLock()
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "acquire alert poller lock", err)
		}
		if !locked {
			return clierr.New(clierr.CodeBlocked, fmt.Sprintf("another alert poller holds %s", p.lock.Path()))
		}
		defer func() { _ = p.lock.Unlock() }()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Tick(ctx); err != nil {
			p.log.Warn("alert tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick evaluates every active watch once and returns how many fired.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	items, err := p.store.ListActiveWatches(ctx)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeStoreUnavailable, "list active watches", err)
	}

	type quote struct {
		price decimal.Decimal
		ok    bool
	}
	quotes := map[string]quote{}
	fired := 0
	for _, item := range items {
		q, seen := quotes[item.Mint]
		if !seen {
			price, ok, err := p.prices.Price(ctx, item.Mint)
			if err != nil {
				p.log.Debug("price unavailable", zap.String("mint", item.Mint), zap.Error(err))
			}
			q = quote{price: price, ok: ok && err == nil}
			quotes[item.Mint] = q
		}
		if !q.ok || !crossed(item, q.price) {
			continue
		}
		if p.fire(ctx, item, q.price) {
			fired++
		}
	}
	return fired, nil
}

func crossed(item storage.WatchItem, price decimal.Decimal) bool {
	switch item.Direction {
	case storage.DirectionAbove:
		return price.GreaterThanOrEqual(item.TargetPrice)
	case storage.DirectionBelow:
		return price.LessThanOrEqual(item.TargetPrice)
	}
	return false
}

func (p *Poller) fire(ctx context.Context, item storage.WatchItem, price decimal.Decimal) bool {
	log := p.log.With(zap.String("watch_id", item.ID), zap.String("owner", item.OwnerID))
	ev := storage.AlertEvent{
		WatchID:     item.ID,
		OwnerID:     item.OwnerID,
		Mint:        item.Mint,
		Price:       price,
		TargetPrice: item.TargetPrice,
		Direction:   item.Direction,
		TriggeredAt: p.now().UTC(),
	}
	if err := p.store.RecordAlert(ctx, ev); err != nil {
		log.Error("record alert", zap.Error(err))
		return false
	}
	if err := p.store.DeactivateWatch(ctx, item.OwnerID, item.ID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("deactivate watch", zap.Error(err))
		}
		return false
	}
	p.metrics.RecordAlert()
	if err := p.notifier.Notify(ctx, ev); err != nil {
		log.Warn("alert notification failed", zap.Error(err))
	}
	return true
}
