package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lvdashuaibi/kioskvote/internal/model"
)

// ElectionSource 选举只读来源
type ElectionSource interface {
	ListElections(ctx context.Context) ([]model.Election, error)
}

// Catalog 按时间划分后的选举集合，is_active为false的选举不出现在任何集合中
type Catalog struct {
	Active   []model.Election `json:"active"`
	Upcoming []model.Election `json:"upcoming"`
	Expired  []model.Election `json:"expired"`
}

// Ordered 选择页的展示顺序: 进行中、即将开始、已结束
func (c Catalog) Ordered() []model.Election {
	out := make([]model.Election, 0, len(c.Active)+len(c.Upcoming)+len(c.Expired))
	out = append(out, c.Active...)
	out = append(out, c.Upcoming...)
	return append(out, c.Expired...)
}

// Find 在进行中的选举里查找
func (c Catalog) Find(id string) (model.Election, bool) {
	for _, e := range c.Active {
		if e.ID == id {
			return e, true
		}
	}
	return model.Election{}, false
}

// Partition 按now划分选举
//
//	active:   is_active && start <= now < end
//	upcoming: is_active && now < start
//	expired:  is_active && now >= end
func Partition(elections []model.Election, now time.Time) Catalog {
	var c Catalog
	for _, e := range elections {
		switch {
		case !e.IsActive:
		case e.IsExpired(now):
			c.Expired = append(c.Expired, e)
		case e.IsUpcoming(now):
			c.Upcoming = append(c.Upcoming, e)
		case e.IsOpen(now):
			c.Active = append(c.Active, e)
		}
	}

	sort.SliceStable(c.Active, func(i, j int) bool {
		return c.Active[i].StartDate.Before(c.Active[j].StartDate)
	})
	// 即将开始: 开始时间最近的在前
	sort.SliceStable(c.Upcoming, func(i, j int) bool {
		return c.Upcoming[i].StartDate.Before(c.Upcoming[j].StartDate)
	})
	// 已结束: 最近结束的在前
	sort.SliceStable(c.Expired, func(i, j int) bool {
		return c.Expired[i].EndDate.After(c.Expired[j].EndDate)
	})
	return c
}

// Resolver 选举目录解析器
type Resolver struct {
	src ElectionSource
	now func() time.Time
}

func NewResolver(src ElectionSource, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{src: src, now: now}
}

// Resolve 读取选举并按当前时间划分
func (r *Resolver) Resolve(ctx context.Context) (Catalog, error) {
	elections, err := r.src.ListElections(ctx)
	if err != nil {
		return Catalog{}, fmt.Errorf("加载选举失败: %w", err)
	}
	return Partition(elections, r.now()), nil
}
