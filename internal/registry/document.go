package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codesync/syncserver/internal/persistence"
	"codesync/syncserver/internal/protocol"
	"codesync/syncserver/internal/store"
	"codesync/syncserver/internal/ydoc"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("registry: document closed")

// Subscriber is a connection bound to a document. Send methods are called from
// the document's event loop and must not block.
type Subscriber interface {
	ID() string
	SendBinary(frame []byte)
	SendText(payload []byte)
}

// Document is a loaded replicated document together with its subscribers and
// flush state. Every access to that state runs on the document's event loop;
// durable writes run in order on the document's write queue.
type Document struct {
	id       string
	doc      *ydoc.Doc
	engine   *persistence.Engine
	sched    *persistence.Scheduler
	writes   *persistence.Queue
	interval time.Duration
	logger   *zap.Logger

	subs      map[string]Subscriber
	presence  map[string][]byte
	unobserve func()

	mailbox chan func()
	quit    chan struct{}
	stopped chan struct{}

	// Guarded by Registry.mu.
	refs    int
	closing bool
	evicted chan struct{}
}

func newDocument(id string, doc *ydoc.Doc, engine *persistence.Engine, opts Options) *Document {
	d := &Document{
		id:       id,
		doc:      doc,
		engine:   engine,
		sched:    persistence.NewScheduler(opts.FlushThreshold),
		writes:   persistence.NewQueue(),
		interval: opts.FlushInterval,
		logger:   opts.Logger.With(zap.String("doc", id)),
		subs:     make(map[string]Subscriber),
		presence: make(map[string][]byte),
		mailbox:  make(chan func()),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		evicted:  make(chan struct{}),
	}
	d.unobserve = doc.OnUpdate(d.onUpdate)
	go d.run()
	return d
}

func (d *Document) ID() string {
	return d.id
}

func (d *Document) run() {
	defer close(d.stopped)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-d.mailbox:
			fn()
		case <-ticker.C:
			d.flush("interval")
		case <-d.quit:
			return
		}
	}
}

// exec runs fn on the event loop and waits for it to finish.
func (d *Document) exec(fn func()) error {
	done := make(chan struct{})
	select {
	case d.mailbox <- func() {
		defer close(done)
		fn()
	}:
	case <-d.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

func (d *Document) post(fn func()) {
	go func() {
		_ = d.exec(fn)
	}()
}

func (d *Document) onUpdate(update []byte, origin any) {
	frame := protocol.EncodeUpdate(update)
	var from string
	if sub, ok := origin.(Subscriber); ok {
		from = sub.ID()
	}
	for id, sub := range d.subs {
		if id != from {
			sub.SendBinary(frame)
		}
	}
	if origin == persistence.OriginPersistence {
		return
	}
	d.capture(update)
}

func (d *Document) capture(update []byte) {
	d.writes.Enqueue(func(ctx context.Context) {
		if err := d.engine.Append(ctx, d.id, update); err != nil {
			d.logger.Error("append update failed", zap.Error(err))
		}
	})
	if d.sched.RecordUpdate() {
		d.flush("threshold")
	}
}

func (d *Document) flush(trigger string) {
	if !d.sched.Begin() {
		return
	}
	files, err := d.engine.Snapshot(d.id, d.doc)
	if err != nil {
		d.logger.Error("snapshot failed", zap.String("trigger", trigger), zap.Error(err))
		d.sched.Complete(err)
		return
	}
	queued := d.writes.Enqueue(func(ctx context.Context) {
		err := d.engine.Flush(ctx, d.id, files, trigger)
		if err != nil {
			d.logger.Error("flush failed", zap.String("trigger", trigger), zap.Error(err))
		}
		d.post(func() {
			if d.sched.Complete(err) {
				d.flush("threshold")
			}
		})
	})
	if !queued {
		d.sched.Complete(persistence.ErrQueueClosed)
	}
}

func (d *Document) attach(sub Subscriber) error {
	return d.exec(func() {
		d.subs[sub.ID()] = sub
		sub.SendBinary(protocol.EncodeStateRequest(d.doc.EncodeStateVector()))
		for id, payload := range d.presence {
			if id != sub.ID() {
				sub.SendBinary(protocol.EncodePresence(payload))
			}
		}
	})
}

func (d *Document) detach(sub Subscriber) (removed bool) {
	_ = d.exec(func() {
		if _, ok := d.subs[sub.ID()]; ok {
			delete(d.subs, sub.ID())
			delete(d.presence, sub.ID())
			removed = true
		}
	})
	return removed
}

// HandleSync processes one state-sync message from sub. A state vector is
// answered with the operations sub is missing; replies and updates are merged
// and broadcast to the other subscribers. A merge error leaves the document
// unchanged.
func (d *Document) HandleSync(sub Subscriber, msg protocol.Message) error {
	var syncErr error
	err := d.exec(func() {
		switch msg.Step {
		case protocol.StepStateVector:
			update, err := d.doc.EncodeStateAsUpdate(msg.Payload)
			if err != nil {
				syncErr = err
				return
			}
			sub.SendBinary(protocol.EncodeStateReply(update))
		case protocol.StepStateReply, protocol.StepUpdate:
			if ydoc.IsEmptyUpdate(msg.Payload) {
				return
			}
			syncErr = d.doc.Apply(msg.Payload, sub)
		default:
			syncErr = fmt.Errorf("%w: sync step %d", protocol.ErrMalformed, msg.Step)
		}
	})
	if err != nil {
		return err
	}
	return syncErr
}

// HandlePresence records the presence state of sub and relays it verbatim to
// every other subscriber.
func (d *Document) HandlePresence(sub Subscriber, payload []byte) error {
	return d.exec(func() {
		d.presence[sub.ID()] = append([]byte(nil), payload...)
		frame := protocol.EncodePresence(payload)
		for id, other := range d.subs {
			if id != sub.ID() {
				other.SendBinary(frame)
			}
		}
	})
}

// BroadcastEvent sends a text event to every subscriber and reports how many
// received it.
func (d *Document) BroadcastEvent(payload []byte) (int, error) {
	var n int
	err := d.exec(func() {
		for _, sub := range d.subs {
			sub.SendText(payload)
			n++
		}
	})
	return n, err
}

// Reconcile forces the in-memory document back to the durable snapshot rows
// after they were rewritten out of band. Flushing is suspended for the whole
// transition and resumed whatever the outcome; overlapping reconciles keep it
// suspended until the last one resumes. The snapshot read is queued
// behind the document's earlier writes; clearing and reseeding then happen in
// one step so no subscriber message interleaves with them.
func (d *Document) Reconcile(ctx context.Context) error {
	if err := d.exec(d.sched.Suspend); err != nil {
		return err
	}
	defer func() {
		_ = d.exec(func() {
			if d.sched.Resume() {
				d.flush("threshold")
			}
		})
	}()

	var rows []store.FileSnapshot
	err := d.writes.Do(ctx, func(jobCtx context.Context) error {
		var err error
		rows, err = d.engine.LoadSnapshot(jobCtx, d.id)
		return err
	})
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", d.id, err)
	}

	var seedErr error
	if err := d.exec(func() {
		cleared := persistence.Clear(d.doc, rows, persistence.OriginRollback)
		seedErr = persistence.Seed(d.doc, rows, persistence.OriginRollback)
		d.logger.Info("document reconciled with snapshot",
			zap.Int("cleared", len(cleared)),
			zap.Int("snapshots", len(rows)))
	}); err != nil {
		return err
	}
	if seedErr != nil {
		return fmt.Errorf("reconcile %s: %w", d.id, seedErr)
	}
	return nil
}

// View runs fn with the replicated document on the event loop. fn must not
// retain doc.
func (d *Document) View(fn func(doc *ydoc.Doc)) error {
	return d.exec(func() { fn(d.doc) })
}

// shutdown stops the event loop and writes one final flush behind every queued
// write.
func (d *Document) shutdown() error {
	var files []store.FileSnapshot
	var snapErr error
	execErr := d.exec(func() {
		d.sched.Suspend()
		d.unobserve()
		files, snapErr = d.engine.Snapshot(d.id, d.doc)
	})
	close(d.quit)
	<-d.stopped
	defer d.writes.Close()

	if execErr != nil {
		return execErr
	}
	if snapErr != nil {
		return fmt.Errorf("final snapshot of %s: %w", d.id, snapErr)
	}
	return d.writes.Do(context.Background(), func(ctx context.Context) error {
		return d.engine.Flush(ctx, d.id, files, "unload")
	})
}
