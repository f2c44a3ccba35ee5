package analytics

import (
	"context"
	"sort"
	"time"

	"sentinel-modlog/internal/storage"
)

type Counter interface {
	CountActions(ctx context.Context, guildID string, since time.Time) (map[storage.Action]int, error)
}

type Service struct {
	store Counter
}

func New(store Counter) *Service {
	return &Service{store: store}
}

type Report struct {
	Since    time.Time
	Total    int
	ByAction map[storage.Action]int
}

// Actions returns the counted action types, most frequent first.
func (r Report) Actions() []storage.Action {
	actions := make([]storage.Action, 0, len(r.ByAction))
	for action := range r.ByAction {
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool {
		if r.ByAction[actions[i]] != r.ByAction[actions[j]] {
			return r.ByAction[actions[i]] > r.ByAction[actions[j]]
		}
		return actions[i] < actions[j]
	})
	return actions
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	counts, err := s.store.CountActions(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{Since: since, ByAction: make(map[storage.Action]int)}
	for action, count := range counts {
		report.Total += count
		report.ByAction[action] = count
	}
	return report, nil
}
