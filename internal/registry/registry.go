// Package registry owns the documents loaded in memory. It coalesces
// concurrent loads of the same document, binds connections to documents and
// evicts a document after a final flush once its last connection leaves.
package registry

import (
	"context"
	"sync"
	"time"

	"codesync/syncserver/internal/metrics"
	"codesync/syncserver/internal/persistence"
	"codesync/syncserver/internal/ydoc"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	FlushInterval  time.Duration
	FlushThreshold int
	Logger         *zap.Logger
}

type Registry struct {
	mu     sync.Mutex
	docs   map[string]*Document
	closed bool

	loads  singleflight.Group
	engine *persistence.Engine
	opts   Options
	logger *zap.Logger
}

func New(engine *persistence.Engine, opts Options) *Registry {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = 50
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		docs:   make(map[string]*Document),
		engine: engine,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Acquire binds sub to the document id, loading it first when it is not in
// memory. Concurrent acquires of a cold id share one load. An acquire that
// races an eviction waits for it and loads the document again.
func (r *Registry) Acquire(ctx context.Context, id string, sub Subscriber) (*Document, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if d, ok := r.docs[id]; ok {
			if d.closing {
				evicted := d.evicted
				r.mu.Unlock()
				select {
				case <-evicted:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			d.refs++
			r.mu.Unlock()
			if err := d.attach(sub); err != nil {
				r.unref(d)
				return nil, err
			}
			return d, nil
		}
		r.mu.Unlock()

		result := r.loads.DoChan(id, func() (any, error) {
			return r.load(id)
		})
		select {
		case res := <-result:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			go r.dropUnclaimed(id, result)
			return nil, ctx.Err()
		}
	}
}

// dropUnclaimed waits for a load the caller gave up on and evicts the loaded
// document when no acquire has taken a reference to it.
func (r *Registry) dropUnclaimed(id string, result <-chan singleflight.Result) {
	res := <-result
	if res.Err != nil {
		return
	}
	d := res.Val.(*Document)
	r.mu.Lock()
	if d.refs > 0 || d.closing || r.docs[id] != d {
		r.mu.Unlock()
		return
	}
	d.closing = true
	r.mu.Unlock()
	d.logger.Info("dropping document loaded for a cancelled acquire")
	r.evict(d)
}

func (r *Registry) load(id string) (*Document, error) {
	r.mu.Lock()
	if d, ok := r.docs[id]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	doc := ydoc.New()
	if err := r.engine.Load(context.Background(), id, doc); err != nil {
		r.logger.Error("load document failed", zap.String("doc", id), zap.Error(err))
		return nil, err
	}
	d := newDocument(id, doc, r.engine, r.opts)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = d.shutdown()
		return nil, ErrClosed
	}
	r.docs[id] = d
	r.mu.Unlock()
	metrics.DocumentLoaded()
	return d, nil
}

// Release removes sub from the document id. When it was the last subscriber
// the document is flushed once more and evicted; Release returns after that.
func (r *Registry) Release(id string, sub Subscriber) {
	r.mu.Lock()
	d, ok := r.docs[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	if d.detach(sub) {
		r.unref(d)
	}
}

func (r *Registry) unref(d *Document) {
	r.mu.Lock()
	d.refs--
	if d.refs > 0 || d.closing {
		r.mu.Unlock()
		return
	}
	d.closing = true
	r.mu.Unlock()
	r.evict(d)
}

func (r *Registry) evict(d *Document) {
	if err := d.shutdown(); err != nil {
		d.logger.Error("final flush failed", zap.Error(err))
	}
	r.mu.Lock()
	if r.docs[d.id] == d {
		delete(r.docs, d.id)
	}
	r.mu.Unlock()
	close(d.evicted)
	metrics.DocumentEvicted()
	d.logger.Info("document evicted")
}

// Lookup returns the document id when it is loaded and not being evicted.
func (r *Registry) Lookup(id string) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok || d.closing {
		return nil, false
	}
	return d, true
}

// Len returns the number of documents in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// Close rejects further acquires and flushes and evicts every loaded document.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var docs []*Document
	for _, d := range r.docs {
		if !d.closing {
			d.closing = true
			docs = append(docs, d)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, d := range docs {
		d := d
		g.Go(func() error {
			r.evict(d)
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
