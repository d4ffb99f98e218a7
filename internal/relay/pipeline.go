package relay

import (
	"context"
	"errors"
	"time"

	"relaybot/pkg/logx"
)

// DeliveryConfig tunes the delivery half of the pipeline. Zero fields take
// the defaults below.
type DeliveryConfig struct {
	GroupCap  int           // platform per-delivery item cap (default 10)
	QueueSize int           // prepared-unit queue depth (default 8)
	RetryMax  int           // delivery attempts per unit (default 3)
	RetryBase time.Duration // backoff base between attempts (default 1s)
}

const (
	defaultGroupCap    = 10
	defaultQueueSize   = 8
	defaultSendRetry   = 3
	defaultSendBackoff = time.Second

	// Severe throttle waits are slept in chunks so cancellation stays
	// responsive.
	severeWaitChunk = 5 * time.Minute
)

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.GroupCap <= 0 {
		c.GroupCap = defaultGroupCap
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultSendRetry
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultSendBackoff
	}
	return c
}

// Pipeline moves item groups from preparation to delivery with a bounded
// queue between the two stages. The producer splits oversized groups at the
// platform cap; the consumer paces sends through the limiter and applies the
// retry policy. Unit order is preserved end to end.
type Pipeline struct {
	sink    Sink
	target  FeedRef
	cfg     DeliveryConfig
	limiter *RateLimiter
	log     logx.Logger
}

func NewPipeline(sink Sink, target FeedRef, cfg DeliveryConfig, limiter *RateLimiter, log logx.Logger) *Pipeline {
	return &Pipeline{
		sink:    sink,
		target:  target,
		cfg:     cfg.withDefaults(),
		limiter: limiter,
		log:     log,
	}
}

func (p *Pipeline) Limiter() *RateLimiter { return p.limiter }

// Run consumes groups from in and emits one Result per delivery unit, in
// order. The results channel closes once in is closed and every queued unit
// has been resolved, or the context is cancelled. After a fatal result no
// further units are attempted.
func (p *Pipeline) Run(ctx context.Context, in <-chan ItemGroup) <-chan Result {
	queue := make(chan PreparedBatch, p.cfg.QueueSize)
	results := make(chan Result, 1)

	go p.produce(ctx, in, queue)
	go p.consume(ctx, queue, results)
	return results
}

func (p *Pipeline) produce(ctx context.Context, in <-chan ItemGroup, queue chan<- PreparedBatch) {
	defer close(queue)
	for {
		var g ItemGroup
		var ok bool
		select {
		case g, ok = <-in:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
		for _, b := range p.split(g) {
			select {
			case queue <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

// split turns one group into its delivery units. Groups above the platform
// cap become ceil(n/cap) ordered sub-groups, each within the cap.
func (p *Pipeline) split(g ItemGroup) []PreparedBatch {
	capN := p.cfg.GroupCap
	n := len(g.Items)
	if n == 0 {
		return nil
	}
	of := (n + capN - 1) / capN
	if of > 1 {
		p.log.Info("pipeline: splitting oversized group",
			logx.String("group", g.Key),
			logx.Int("items", n),
			logx.Int("units", of))
	}
	batches := make([]PreparedBatch, 0, of)
	for i := 0; i < of; i++ {
		lo := i * capN
		hi := lo + capN
		if hi > n {
			hi = n
		}
		part := g.Items[lo:hi]
		b := PreparedBatch{
			Key:     g.Key,
			Index:   i + 1,
			Of:      of,
			Count:   len(part),
			FirstID: part[0].ID,
			LastID:  part[len(part)-1].ID,
			Drop:    g.Drop,
		}
		if !g.Drop {
			b.Payloads = make([]Payload, 0, len(part))
			for _, it := range part {
				b.Payloads = append(b.Payloads, Payload{
					Kind:     it.Kind,
					Ref:      it.Ref,
					Text:     it.Text,
					SourceID: it.ID,
				})
			}
		}
		batches = append(batches, b)
	}
	return batches
}

func (p *Pipeline) consume(ctx context.Context, queue <-chan PreparedBatch, results chan<- Result) {
	defer close(results)
	first := true
	for b := range queue {
		if ctx.Err() != nil {
			return
		}
		var r Result
		if b.Drop {
			// Filtered-out unit: no delivery, but it still occupies its
			// slot in the result order so checkpoints advance past it.
			r = Result{Batch: b, Skipped: b.Count}
		} else {
			if !first {
				if err := sleepCtx(ctx, p.limiter.Delay(time.Now())); err != nil {
					return
				}
			}
			first = false
			r = p.deliverUnit(ctx, b)
			// An interrupted unit is not an outcome: it stays uncommitted
			// so a resume refetches it.
			if interrupted(r.Err) {
				return
			}
		}
		select {
		case results <- r:
		default:
			select {
			case results <- r:
			case <-ctx.Done():
				return
			}
		}
		if r.Err != nil && IsFatal(r.Err) {
			return
		}
	}
}

// deliverUnit sends one unit with the retry policy: throttles adjust the
// limiter and do not consume the retry budget when severe, transient errors
// back off and retry, fatal errors abort. A unit that exhausts its budget is
// recorded as failed and the stream moves on.
func (p *Pipeline) deliverUnit(ctx context.Context, b PreparedBatch) Result {
	attempt := 0
	var lastErr error
	for attempt < p.cfg.RetryMax {
		if ctx.Err() != nil {
			return Result{Batch: b, Failed: len(b.Payloads), Err: ctx.Err()}
		}
		if wait := p.limiter.CheckCap(time.Now()); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return Result{Batch: b, Failed: len(b.Payloads), Err: err}
			}
		}

		ids, err := p.deliver(ctx, b)
		if err == nil {
			p.limiter.RecordSend(time.Now())
			return Result{Batch: b, DeliveredIDs: ids, Delivered: len(b.Payloads)}
		}

		if wait, ok := AsThrottled(err); ok {
			p.limiter.RecordThrottle(wait, time.Now())
			p.log.Warn("pipeline: throttled",
				logx.String("group", b.Key),
				logx.Duration("wait", wait),
				logx.Bool("severe", p.limiter.Severe(wait)))
			if err := p.waitThrottle(ctx, wait); err != nil {
				return Result{Batch: b, Failed: len(b.Payloads), Err: err}
			}
			if !p.limiter.Severe(wait) {
				attempt++
				lastErr = err
			}
			// A severe wait was served in full; the same unit is retried
			// without consuming its budget.
			continue
		}
		if IsFatal(err) {
			return Result{Batch: b, Failed: len(b.Payloads), Err: err}
		}

		attempt++
		lastErr = err
		p.log.Warn("pipeline: delivery failed",
			logx.String("group", b.Key),
			logx.Int("attempt", attempt),
			logx.Err(err))
		if attempt < p.cfg.RetryMax {
			if err := sleepCtx(ctx, time.Duration(attempt)*p.cfg.RetryBase); err != nil {
				return Result{Batch: b, Failed: len(b.Payloads), Err: err}
			}
		}
	}
	p.log.Error("pipeline: unit abandoned after retries",
		logx.String("group", b.Key),
		logx.Int64("first_id", b.FirstID),
		logx.Int64("last_id", b.LastID),
		logx.Err(lastErr))
	return Result{Batch: b, Failed: len(b.Payloads), Err: lastErr}
}

func (p *Pipeline) deliver(ctx context.Context, b PreparedBatch) ([]int64, error) {
	if len(b.Payloads) == 1 {
		id, err := p.sink.DeliverItem(ctx, p.target, b.Payloads[0])
		if err != nil {
			return nil, err
		}
		return []int64{id}, nil
	}
	return p.sink.DeliverGroup(ctx, p.target, b.Payloads)
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// waitThrottle serves a mandated wait in chunks so a cancelled task stops
// promptly even mid-wait.
func (p *Pipeline) waitThrottle(ctx context.Context, wait time.Duration) error {
	for wait > 0 {
		chunk := wait
		if chunk > severeWaitChunk {
			chunk = severeWaitChunk
		}
		if err := sleepCtx(ctx, chunk); err != nil {
			return err
		}
		wait -= chunk
	}
	return nil
}
