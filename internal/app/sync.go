package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/announce"
	"github.com/koorzenb/announcement-scheduler/internal/config"
	"github.com/koorzenb/announcement-scheduler/internal/recurrence"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

// KeyMetadata marks entries owned by the config file.
const KeyMetadata = "config_key"

// scheduler is the part of announce.Service the declarative sync drives.
type scheduler interface {
	ListScheduled(ctx context.Context) ([]announce.ViewEntry, error)
	ScheduleOnce(ctx context.Context, content string, at time.Time, metadata map[string]any) (int64, error)
	ScheduleRecurring(ctx context.Context, content string, tod recurrence.TimeOfDay, rule recurrence.Rule, metadata map[string]any) (int64, error)
	Cancel(ctx context.Context, id int64) error
}

type SyncResult struct {
	Kept      int
	Scheduled int
	Cancelled int
	// Expired lists one-time keys whose instant passed before they were ever scheduled.
	Expired []string
}

// syncAnnouncements makes the config-owned entries match plans.
//
// An entry matching its plan is left alone so its fire time and id survive
// reloads. A changed plan cancels the old entry and schedules a new one.
// Owned entries with no plan are cancelled. Entries without KeyMetadata are
// never touched.
func syncAnnouncements(ctx context.Context, s scheduler, plans []config.Plan, now time.Time, log logx.Logger) (SyncResult, error) {
	var res SyncResult
	views, err := s.ListScheduled(ctx)
	if err != nil {
		return res, err
	}

	owned := map[string][]announce.ViewEntry{}
	for _, v := range views {
		if key, ok := v.Metadata[KeyMetadata].(string); ok && key != "" {
			owned[key] = append(owned[key], v)
		}
	}

	var errs []error
	cancel := func(v announce.ViewEntry, key string) {
		if err := s.Cancel(ctx, v.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: cancel #%d: %w", key, v.ID, err))
			return
		}
		res.Cancelled++
	}

	for _, p := range plans {
		meta := ownedMetadata(p)
		current := owned[p.Key]
		delete(owned, p.Key)

		kept := false
		for _, v := range current {
			if !kept && matches(p, meta, v) {
				kept = true
				res.Kept++
				continue
			}
			cancel(v, p.Key)
		}
		if kept {
			continue
		}

		var id int64
		if p.Recurring() {
			id, err = s.ScheduleRecurring(ctx, p.Content, p.TimeOfDay, p.Rule, meta)
		} else {
			if !p.At.After(now) {
				res.Expired = append(res.Expired, p.Key)
				log.Debug("declared announcement already passed", logx.String("key", p.Key), logx.Time("at", p.At))
				continue
			}
			id, err = s.ScheduleOnce(ctx, p.Content, p.At, meta)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Key, err))
			continue
		}
		res.Scheduled++
		log.Debug("declared announcement scheduled", logx.String("key", p.Key), logx.Int64("id", id))
	}

	for _, key := range slices.Sorted(maps.Keys(owned)) {
		for _, v := range owned[key] {
			cancel(v, key)
		}
	}
	return res, errors.Join(errs...)
}

func ownedMetadata(p config.Plan) map[string]any {
	meta := make(map[string]any, len(p.Metadata)+1)
	maps.Copy(meta, p.Metadata)
	meta[KeyMetadata] = p.Key
	return meta
}

func matches(p config.Plan, meta map[string]any, v announce.ViewEntry) bool {
	if v.Content != p.Content || !reflect.DeepEqual(v.Metadata, meta) {
		return false
	}
	if !p.Recurring() {
		return !v.Rule.IsRecurring() && v.ScheduledTime.Equal(p.At)
	}
	return v.Rule.Kind == p.Rule.Kind &&
		slices.Equal(v.Rule.Days, p.Rule.Days) &&
		v.TimeOfDay != nil && *v.TimeOfDay == p.TimeOfDay
}
