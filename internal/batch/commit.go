package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/progress"
	"github.com/JakeFAU/icon-resolver/internal/storage"
)

// commit deduplicates successful icons by hash and assigns them to their
// records in input order. It runs on the calling goroutine after every
// worker has joined.
func (c *Coordinator) commit(ctx context.Context, res *Result, r *run, records []Record) error {
	var errs []error
	byHash := make(map[string]int)
	named := make(map[string]bool)
	nameable, canName := c.committer.(Nameable)
	touchable, canTouch := c.committer.(Timestamped)

	for i := range res.Items {
		item := &res.Items[i]
		if item.Outcome != progress.OutcomeSuccess {
			continue
		}
		icon := r.icons[i]
		idx, seen := byHash[item.IconHash]
		if !seen {
			idx = len(res.Icons)
			byHash[item.IconHash] = idx
			res.Icons = append(res.Icons, Icon{
				Hash:   item.IconHash,
				Name:   icon.name,
				Data:   icon.data,
				Source: item.Source,
			})
		}

		if current, ok := records[i].(IconHasher); ok && current.CurrentIconHash() == item.IconHash {
			continue
		}
		shared := res.Icons[idx]
		if err := c.committer.AssignIcon(ctx, item.Key, shared.Hash, shared.Data); err != nil {
			item.Err = fmt.Errorf("assign icon: %w", err)
			errs = append(errs, fmt.Errorf("record %s: %w", item.Key, err))
			continue
		}
		res.Changed++

		if canName && !named[shared.Hash] {
			named[shared.Hash] = true
			if err := nameable.SetIconName(ctx, shared.Hash, shared.Name); err != nil {
				errs = append(errs, fmt.Errorf("name icon %s: %w", shared.Hash, err))
			}
		}
		if canTouch && c.settings.UpdateLastModified {
			if err := touchable.Touch(ctx, item.Key, c.clock.Now()); err != nil {
				errs = append(errs, fmt.Errorf("touch record %s: %w", item.Key, err))
			}
		}
	}

	if c.exporter != nil {
		for i := range res.Icons {
			icon := &res.Icons[i]
			path := storage.IconPath(c.settings.ExportPrefix, icon.Hash, icon.Data)
			uri, err := c.exporter.PutObject(ctx, path, storage.ContentType(icon.Data), bytes.NewReader(icon.Data))
			if err != nil {
				errs = append(errs, fmt.Errorf("export icon %s: %w", icon.Hash, err))
				continue
			}
			icon.URI = uri
			c.logger.Debug("icon exported", zap.String("hash", icon.Hash), zap.String("uri", uri))
		}
	}
	return errors.Join(errs...)
}
