// Package renewer implements the pub/sub-driven, deduplicating renewal
// loop that sits between client-facing cache misses and the Authorizer and
// Storage layers.
package renewer

import (
	"context"
	"time"

	"github.com/orcaman/concurrent-map"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3scale/authflush/pkg/authflush"
)

// Authorizer is the narrow boundary the Renewer depends on, satisfied by
// *authorizer.Authorizer in production and by a fake in tests.
type Authorizer interface {
	Authorizations(ctx context.Context, serviceID string, creds authflush.Credentials, reportedMetrics []string) (map[string]authflush.Authorization, error)
}

// Storage is the narrow boundary the Renewer depends on, satisfied by
// *storage.Storage in production and by a fake in tests.
type Storage interface {
	RenewAuths(ctx context.Context, service string, creds authflush.Credentials, decisions map[string]authflush.Authorization) error
}

// Metrics is the narrow boundary the Renewer reports telemetry through,
// satisfied by *metrics.Reporter in production. It is optional: a nil Metrics
// in Config falls back to a no-op implementation.
type Metrics interface {
	ObserveRenewal(serviceID, outcome string, d time.Duration)
	IncrementUpstreamErrors(serviceID, kind string)
	IncrementDedupSkips()
}

type noopMetrics struct{}

func (noopMetrics) ObserveRenewal(string, string, time.Duration) {}
func (noopMetrics) IncrementUpstreamErrors(string, string)       {}
func (noopMetrics) IncrementDedupSkips()                         {}

// Renewer is the PriorityAuthRenewer: it subscribes to the request channel,
// deduplicates in-flight work, and dispatches renewal tasks to a bounded
// worker pool.
type Renewer struct {
	authorizer Authorizer
	storage    Storage
	publisher  *redis.Client
	subscriber *redis.Client
	keys       authflush.KeyNamer
	logger     *zap.SugaredLogger
	metrics    Metrics
	pool       *WorkerPool

	currentAuths cmap.ConcurrentMap

	pubsub  *redis.PubSub
	stopped chan struct{}
}

// Config bundles the construction parameters for New.
type Config struct {
	Authorizer     Authorizer
	Storage        Storage
	Publisher      *redis.Client
	Subscriber     *redis.Client
	Logger         *zap.SugaredLogger
	Metrics        Metrics
	ThreadsMin     int
	ThreadsMax     int
	PoolQueueDepth int
}

// New returns a Renewer ready to Start. The worker pool is sized by
// cfg.ThreadsMax; cfg.ThreadsMin is accepted for configuration-surface
// parity and validated by the caller, but a single fixed-size pool of
// ThreadsMax goroutines services every renewal task.
func New(cfg Config) *Renewer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Renewer{
		authorizer:   cfg.Authorizer,
		storage:      cfg.Storage,
		publisher:    cfg.Publisher,
		subscriber:   cfg.Subscriber,
		logger:       logger,
		metrics:      metrics,
		pool:         NewWorkerPool(cfg.ThreadsMax, cfg.PoolQueueDepth),
		currentAuths: cmap.New(),
		stopped:      make(chan struct{}),
	}
}

// Start subscribes to the request channel and blocks processing incoming
// renewal requests. If the subscription cannot be established, the error is
// logged and returned to the caller. After Shutdown, Start waits for the
// worker pool to drain, then closes its subscription and returns nil; it
// also returns nil if the subscription's message channel is closed.
func (r *Renewer) Start(ctx context.Context) error {
	r.pubsub = r.subscriber.Subscribe(ctx, authflush.AuthRequestsChannel)
	defer r.pubsub.Close()

	if _, err := r.pubsub.Receive(ctx); err != nil {
		r.logger.Errorw("subscribing to auth requests failed", "error", err)
		return err
	}

	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.stopped:
			<-r.pool.Done()
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleMessage(ctx, msg.Payload)
		}
	}
}

// Shutdown stops accepting new requests and drains the worker pool, blocking
// until queued and in-flight renewal tasks have finished.
func (r *Renewer) Shutdown() {
	close(r.stopped)
	r.pool.Shutdown()
}

// WaitForTermination blocks until the worker pool has fully drained
// in-flight renewal tasks. It is intended for deterministic test shutdown,
// matching the shutdown-then-wait sequence production callers also use.
func (r *Renewer) WaitForTermination() {
	<-r.pool.Done()
}

// CurrentlyRenewing reports whether (service, creds, metric) has an
// in-flight renewal task. It exists for tests asserting the dedup
// invariants; production code never needs to call it.
func (r *Renewer) CurrentlyRenewing(service string, creds authflush.Credentials, metric string) bool {
	_, ok := r.currentAuths.Get(r.keys.PubSubAuthsRespChannel(service, creds, metric))
	return ok
}

func (r *Renewer) handleMessage(ctx context.Context, payload string) {
	service, creds, metric, err := authflush.ParseAuthRequest(payload)
	if err != nil {
		r.logger.Errorw("discarding malformed auth request", "payload", payload, "error", err)
		return
	}

	dedupKey := r.keys.PubSubAuthsRespChannel(service, creds, metric)
	if !r.currentAuths.SetIfAbsent(dedupKey, struct{}{}) {
		// Already being renewed; its publish will satisfy every waiter on
		// the same response channel.
		r.metrics.IncrementDedupSkips()
		return
	}

	r.dispatch(ctx, dedupKey, service, creds, metric)
}

// dispatch submits the renewal task, guaranteeing the dedup entry is
// cleared even if submission itself panics before the task reaches the
// pool's own panic guard.
func (r *Renewer) dispatch(ctx context.Context, dedupKey, service string, creds authflush.Credentials, metric string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("renewal task submission panicked", "service", service, "metric", metric, "panic", rec)
			r.currentAuths.Remove(dedupKey)
		}
	}()

	r.pool.Submit(func() {
		r.renewAndPublish(ctx, dedupKey, service, creds, metric)
	})
}

func (r *Renewer) renewAndPublish(ctx context.Context, dedupKey, service string, creds authflush.Credentials, metric string) {
	start := time.Now()
	outcome := "error"
	defer r.currentAuths.Remove(dedupKey)
	defer func() { r.metrics.ObserveRenewal(service, outcome, time.Since(start)) }()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("renewal task panicked", "service", service, "metric", metric, "panic", rec)
		}
	}()

	decisions, err := r.authorizer.Authorizations(ctx, service, creds, []string{metric})
	if err != nil {
		r.logger.Errorw("authorization renewal failed", "service", service, "metric", metric, "error", err)
		r.metrics.IncrementUpstreamErrors(service, "authorize")
		return
	}

	if err := r.storage.RenewAuths(ctx, service, creds, decisions); err != nil {
		r.logger.Errorw("writing renewed auths failed", "service", service, "metric", metric, "error", err)
		return
	}

	decision, ok := decisions[metric]
	if !ok {
		r.logger.Errorw("authorizer returned no decision for requested metric", "service", service, "metric", metric)
		return
	}

	if decision.Authorized() {
		outcome = "allow"
	} else {
		outcome = "deny"
	}

	channel := r.keys.PubSubAuthsRespChannel(service, creds, metric)
	if err := r.publisher.Publish(ctx, channel, decision.String()).Err(); err != nil {
		r.logger.Warnw("publishing renewed auth failed", "service", service, "metric", metric, "error", err)
	}
}

// ResponseChannel exposes the deterministic response channel name for a
// given request, so callers constructing client-handler-side subscriptions
// in tests don't need to import authflush.KeyNamer directly.
func (r *Renewer) ResponseChannel(service string, creds authflush.Credentials, metric string) string {
	return r.keys.PubSubAuthsRespChannel(service, creds, metric)
}
