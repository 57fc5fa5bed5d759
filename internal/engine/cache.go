package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/piwi3910/CablePlan/internal/model"
)

// ScheduleCache memoizes schedules by the project set of a filled baseline.
// Concurrent requests for the same key share one computation. Failed
// computations are not cached.
type ScheduleCache struct {
	mu     sync.RWMutex
	byKey  map[string]*model.Schedule
	flight singleflight.Group
}

func NewScheduleCache() *ScheduleCache {
	return &ScheduleCache{byKey: make(map[string]*model.Schedule)}
}

// GetOrCompute returns the cached schedule for fb or calls compute once.
func (c *ScheduleCache) GetOrCompute(ctx context.Context, fb *model.FilledBaseline, compute func(context.Context) (*model.Schedule, error)) (*model.Schedule, error) {
	key := fb.Key()
	c.mu.RLock()
	s, ok := c.byKey[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		s, ok := c.byKey[key]
		c.mu.RUnlock()
		if ok {
			return s, nil
		}
		s, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.byKey[key] = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Schedule), nil
}

// Len returns the number of cached schedules.
func (c *ScheduleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

// Invalidate drops every cached schedule.
func (c *ScheduleCache) Invalidate() {
	c.mu.Lock()
	c.byKey = make(map[string]*model.Schedule)
	c.mu.Unlock()
}
