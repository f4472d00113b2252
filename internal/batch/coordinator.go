package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/icon-resolver/internal/clock/system"
	"github.com/JakeFAU/icon-resolver/internal/hash/sha256"
	iduuid "github.com/JakeFAU/icon-resolver/internal/id/uuid"
	"github.com/JakeFAU/icon-resolver/internal/progress"
	"github.com/JakeFAU/icon-resolver/internal/resolver"
)

// errNoURL is reported for records with neither a URL nor a usable title.
var errNoURL = errors.New("record has no URL")

// Options wires a Coordinator. Resolver and Committer are required; the
// rest default to SHA-256, the system clock and UUIDv7 batch IDs.
type Options struct {
	Resolver     Resolver
	Committer    Committer
	Hasher       Hasher
	Placeholders PlaceholderResolver
	Exporter     Exporter
	Clock        Clock
	IDs          IDGenerator
	Emitter      progress.Emitter
	Logger       *zap.Logger
	Settings     Settings
}

// Coordinator runs batches. It keeps no per-batch state and may run several
// batches concurrently.
type Coordinator struct {
	resolver     Resolver
	committer    Committer
	hasher       Hasher
	placeholders PlaceholderResolver
	exporter     Exporter
	clock        Clock
	ids          IDGenerator
	emitter      progress.Emitter
	logger       *zap.Logger
	settings     Settings
}

// New validates opts and builds a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Resolver == nil {
		return nil, errors.New("batch coordinator requires a resolver")
	}
	if opts.Committer == nil {
		return nil, errors.New("batch coordinator requires a committer")
	}
	if opts.Hasher == nil {
		opts.Hasher = sha256.New()
	}
	if opts.Placeholders == nil {
		opts.Placeholders = FieldPlaceholders
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = iduuid.NewUUIDGenerator()
	}
	if opts.Emitter == nil {
		opts.Emitter = progress.EmitterFunc(func(progress.Event) {})
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Settings.IconNamePrefix == "" {
		opts.Settings.IconNamePrefix = DefaultIconNamePrefix
	}
	if opts.Settings.MaxConcurrency < 0 {
		opts.Settings.MaxConcurrency = 0
	}
	return &Coordinator{
		resolver:     opts.Resolver,
		committer:    opts.Committer,
		hasher:       opts.Hasher,
		placeholders: opts.Placeholders,
		exporter:     opts.Exporter,
		clock:        opts.Clock,
		ids:          opts.IDs,
		emitter:      opts.Emitter,
		logger:       opts.Logger,
		settings:     opts.Settings,
	}, nil
}

// Settings returns the policy the coordinator was built with.
func (c *Coordinator) Settings() Settings {
	return c.settings
}

// run is the mutable state of one batch.
type run struct {
	id    uuid.UUID
	mode  resolver.Mode
	total int
	start time.Time

	// items[i] is written only by the task for record i.
	items []Item
	icons []resolved

	mu        sync.Mutex
	completed int
	counts    progress.Counts
}

// resolved carries the icon of a successful item until commit.
type resolved struct {
	data []byte
	name string
}

// Run resolves every record with mode and commits the results. Canceling ctx
// stops new items from starting; items already resolving finish and are
// committed. The returned error reports commit failures only; per-item
// failures are in the Result.
func (c *Coordinator) Run(ctx context.Context, batchID uuid.UUID, records []Record, mode resolver.Mode) (*Result, error) {
	if batchID == uuid.Nil {
		id, err := c.ids.NewRawID()
		if err != nil {
			return nil, fmt.Errorf("batch id: %w", err)
		}
		batchID = id
	}
	r := &run{
		id:    batchID,
		mode:  mode,
		total: len(records),
		start: time.Now(),
		items: make([]Item, len(records)),
		icons: make([]resolved, len(records)),
	}
	logger := c.logger.With(zap.Stringer("batch_id", batchID), zap.Stringer("mode", mode))
	logger.Info("batch started", zap.Int("records", len(records)))
	c.emit(r, progress.Event{Stage: progress.StageBatchStart})

	c.schedule(ctx, r, records)

	res := &Result{
		BatchID: batchID,
		Mode:    mode,
		Items:   r.items,
		Counts:  r.counts,
		Started: r.start,
	}
	commitErr := c.commit(context.WithoutCancel(ctx), res, r, records)
	res.Finished = time.Now()

	final := progress.Event{Stage: progress.StageBatchDone, Dur: res.Finished.Sub(res.Started)}
	switch {
	case commitErr != nil:
		final.Stage = progress.StageBatchError
		final.Note = commitErr.Error()
	case ctx.Err() != nil:
		final.Stage = progress.StageBatchCanceled
	}
	c.emit(r, final)
	logger.Info("batch finished",
		zap.String("summary", res.Summary()),
		zap.Int("icons", len(res.Icons)),
		zap.Int("changed", res.Changed),
		zap.Duration("elapsed", final.Dur),
		zap.Error(commitErr))
	return res, commitErr
}

// schedule fans the records out and returns once every started item has
// finished.
func (c *Coordinator) schedule(ctx context.Context, r *run, records []Record) {
	if len(records) == 0 {
		return
	}
	limit := c.settings.MaxConcurrency
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	// Items that start keep running after ctx is canceled.
	workCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(limit)

	for i, rec := range records {
		switch {
		case c.skips(rec):
			c.finish(r, Item{Index: i, Key: rec.Key(), Outcome: progress.OutcomeSkipped})
		case ctx.Err() != nil:
			c.finish(r, Item{Index: i, Key: rec.Key(), Outcome: progress.OutcomeCanceled})
		default:
			g.Go(func() error {
				c.process(ctx, workCtx, r, i, rec)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// skips reports whether rec keeps its current icon without being scheduled.
func (c *Coordinator) skips(rec Record) bool {
	return c.settings.SkipExisting && rec.HasExistingIcon()
}

// process runs one record. ctx is checked once before any network activity;
// the resolution itself runs under workCtx.
func (c *Coordinator) process(ctx, workCtx context.Context, r *run, i int, rec Record) {
	start := time.Now()
	item := Item{Index: i, Key: rec.Key()}
	defer func() {
		if p := recover(); p != nil {
			c.logger.Warn("batch item panicked",
				zap.Stringer("batch_id", r.id), zap.Int("index", i), zap.Any("panic", p))
			item.Outcome = progress.OutcomeError
			item.Err = fmt.Errorf("internal fault: %v", p)
			item.IconHash = ""
			r.icons[i] = resolved{}
		}
		item.Dur = time.Since(start)
		c.finish(r, item)
	}()

	if ctx.Err() != nil {
		item.Outcome = progress.OutcomeCanceled
		return
	}
	req, ok := c.request(rec, r.mode)
	item.Identifier = req.Identifier
	if !ok {
		item.Outcome = progress.OutcomeNotFound
		item.Err = errNoURL
		return
	}

	out := c.resolver.Resolve(workCtx, req)
	item.Source = out.Source
	item.Err = out.Err
	switch out.Status {
	case resolver.StatusSuccess:
		hash, err := c.hasher.Hash(out.Icon)
		if err != nil {
			item.Outcome = progress.OutcomeError
			item.Err = fmt.Errorf("hash icon: %w", err)
			return
		}
		item.Outcome = progress.OutcomeSuccess
		item.IconHash = hash
		r.icons[i] = resolved{
			data: out.Icon,
			name: c.settings.IconNamePrefix + c.resolver.SiteHost(req),
		}
	case resolver.StatusNotFound:
		item.Outcome = progress.OutcomeNotFound
	default:
		item.Outcome = progress.OutcomeError
		c.logger.Warn("batch item failed",
			zap.Stringer("batch_id", r.id),
			zap.Int("index", i),
			zap.String("identifier", req.Identifier),
			zap.Error(out.Err))
	}
}

// request builds the resolution request for rec. The title field is used
// only when the URL field is empty and the policy allows it; a title without
// a scheme is prefixed with http:// regardless of the auto-prefix policy.
func (c *Coordinator) request(rec Record, mode resolver.Mode) (resolver.Request, bool) {
	req := resolver.Request{Mode: mode, Template: c.settings.CustomTemplate}
	raw := strings.TrimSpace(c.placeholders.Resolve(rec, rec.ReadURLField()))
	if raw == "" && c.settings.UseTitle {
		raw = strings.TrimSpace(c.placeholders.Resolve(rec, rec.ReadTitleField()))
		if raw != "" && !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
	}
	req.Identifier = raw
	return req, raw != ""
}

// finish stores item and publishes progress. Holding mu while emitting keeps
// Completed monotonic across events.
func (c *Coordinator) finish(r *run, item Item) {
	r.items[item.Index] = item
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
	r.counts.Add(item.Outcome)
	evt := progress.Event{
		Stage:      progress.StageItemDone,
		Index:      item.Index,
		Identifier: item.Identifier,
		Site:       item.Identifier,
		Outcome:    item.Outcome,
		Dur:        item.Dur,
	}
	if item.Err != nil && item.Outcome != progress.OutcomeSuccess {
		evt.Note = item.Err.Error()
	}
	c.emitLocked(r, evt)
}

func (c *Coordinator) emit(r *run, evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.emitLocked(r, evt)
}

func (c *Coordinator) emitLocked(r *run, evt progress.Event) {
	evt.BatchID = progress.UUIDToBytes(r.id)
	evt.TS = c.clock.Now()
	evt.Completed = r.completed
	evt.Total = r.total
	evt.Counts = r.counts
	c.emitter.Emit(evt)
}
