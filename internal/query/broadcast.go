package query

import (
	"context"
	"time"

	"github.com/perpdex/syncd/internal/model"
)

// Publisher mirrors the hub's publish surface.
type Publisher interface {
	Publish(channel string, payload any)
}

// Broadcaster periodically pushes system status and leaderboard updates
// to their hub channels so dashboards stay live without polling.
type Broadcaster struct {
	service             *Service
	pub                 Publisher
	statusInterval      time.Duration
	leaderboardInterval time.Duration
	prevRanks           map[string]int // owner -> rank in the previous broadcast
}

// NewBroadcaster wires the periodic publishers.
func NewBroadcaster(service *Service, pub Publisher, statusInterval, leaderboardInterval time.Duration) *Broadcaster {
	return &Broadcaster{
		service:             service,
		pub:                 pub,
		statusInterval:      statusInterval,
		leaderboardInterval: leaderboardInterval,
		prevRanks:           make(map[string]int),
	}
}

// Run blocks until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	statusTicker := time.NewTicker(b.statusInterval)
	defer statusTicker.Stop()
	leaderboardTicker := time.NewTicker(b.leaderboardInterval)
	defer leaderboardTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTicker.C:
			b.pub.Publish("system.status", b.service.buildStatus(ctx))
		case <-leaderboardTicker.C:
			entries, err := b.service.store.GetLeaderboard(ctx, 24*time.Hour, 50)
			if err != nil {
				b.service.log.Error("leaderboard broadcast", "error", err)
				continue
			}
			b.annotateRankChanges(entries)
			b.pub.Publish("leaderboard.updates", entries)
		}
	}
}

// annotateRankChanges fills in each entry's movement since the previous
// broadcast. Positive means the owner climbed; first-seen owners get 0.
func (b *Broadcaster) annotateRankChanges(entries []model.LeaderboardEntry) {
	next := make(map[string]int, len(entries))
	for i := range entries {
		if prev, ok := b.prevRanks[entries[i].Owner]; ok {
			entries[i].RankChange = prev - entries[i].Rank
		}
		next[entries[i].Owner] = entries[i].Rank
	}
	b.prevRanks = next
}
