package ballot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lvdashuaibi/kioskvote/internal/model"
	"go.uber.org/zap"
)

// CandidateSource 候选人只读来源
type CandidateSource interface {
	CandidatesForElection(ctx context.Context, electionID string) ([]model.Candidate, error)
}

// Cache 候选人缓存，可选
type Cache interface {
	CachedCandidates(ctx context.Context, electionID string) ([]model.Candidate, bool, error)
	CacheCandidates(ctx context.Context, electionID string, candidates []model.Candidate) error
}

type Loader struct {
	src   CandidateSource
	cache Cache
	log   *zap.Logger
}

// NewLoader cache可以为nil
func NewLoader(src CandidateSource, cache Cache, log *zap.Logger) *Loader {
	return &Loader{src: src, cache: cache, log: log}
}

// Load 先读缓存，未命中时查库并回填
func (l *Loader) Load(ctx context.Context, electionID string) (*model.Ballot, error) {
	if l.cache != nil {
		candidates, ok, err := l.cache.CachedCandidates(ctx, electionID)
		if err != nil {
			l.log.Warn("读取选票缓存失败，回源数据库", zap.String("election", electionID), zap.Error(err))
		} else if ok {
			return BuildBallot(electionID, candidates), nil
		}
	}

	candidates, err := l.src.CandidatesForElection(ctx, electionID)
	if err != nil {
		return nil, fmt.Errorf("加载选票失败: %w", err)
	}

	if l.cache != nil {
		if err := l.cache.CacheCandidates(ctx, electionID, candidates); err != nil {
			l.log.Warn("写入选票缓存失败", zap.String("election", electionID), zap.Error(err))
		}
	}
	return BuildBallot(electionID, candidates), nil
}

// isLegacyAbstain 旧数据中名为abstain的候选人行
func isLegacyAbstain(c model.Candidate) bool {
	return strings.EqualFold(strings.TrimSpace(c.Name), "abstain") || c.ID == model.AbstainID
}

// BuildBallot 按职位名分组，职位按(组内最小position_order, 名称)排序，候选人按display_order排序
func BuildBallot(electionID string, candidates []model.Candidate) *model.Ballot {
	var groups []model.PositionBallot
	order := make(map[string]int)
	index := make(map[string]int)
	for _, c := range candidates {
		if c.ElectionID != electionID || isLegacyAbstain(c) {
			continue
		}
		i, ok := index[c.Position]
		if !ok {
			i = len(groups)
			index[c.Position] = i
			order[c.Position] = c.PositionOrder
			groups = append(groups, model.PositionBallot{Position: c.Position})
		}
		if c.PositionOrder < order[c.Position] {
			order[c.Position] = c.PositionOrder
		}
		groups[i].Candidates = append(groups[i].Candidates, c)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].Position, groups[j].Position
		if order[a] != order[b] {
			return order[a] < order[b]
		}
		return a < b
	})
	for _, g := range groups {
		sort.SliceStable(g.Candidates, func(i, j int) bool {
			return g.Candidates[i].DisplayOrder < g.Candidates[j].DisplayOrder
		})
	}

	return &model.Ballot{ElectionID: electionID, Positions: groups}
}
