package query

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/model"
)

func rankedEntries(owners ...string) []model.LeaderboardEntry {
	entries := make([]model.LeaderboardEntry, len(owners))
	for i, owner := range owners {
		entries[i] = model.LeaderboardEntry{
			Owner:  owner,
			Volume: decimal.NewFromInt(int64(1000 - i)),
			Rank:   i + 1,
		}
	}
	return entries
}

func TestAnnotateRankChanges(t *testing.T) {
	b := &Broadcaster{prevRanks: make(map[string]int)}

	first := rankedEntries("alice", "bob", "carol")
	b.annotateRankChanges(first)
	for _, e := range first {
		if e.RankChange != 0 {
			t.Errorf("first broadcast: %s rank change = %d, want 0", e.Owner, e.RankChange)
		}
	}

	// bob overtakes alice; dave displaces carol off the board.
	second := rankedEntries("bob", "alice", "dave")
	b.annotateRankChanges(second)

	if second[0].RankChange != 1 {
		t.Errorf("bob rank change = %d, want +1", second[0].RankChange)
	}
	if second[1].RankChange != -1 {
		t.Errorf("alice rank change = %d, want -1", second[1].RankChange)
	}
	if second[2].RankChange != 0 {
		t.Errorf("dave rank change = %d, want 0 on first appearance", second[2].RankChange)
	}

	// carol dropped off, so a later return counts as first-seen again.
	if _, ok := b.prevRanks["carol"]; ok {
		t.Error("carol should not be tracked after leaving the board")
	}
}
