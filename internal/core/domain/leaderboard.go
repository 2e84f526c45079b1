package domain

// RankEntry is one row of the ranking around a user.
type RankEntry struct {
	Rank     int64   `json:"rank"`
	UserID   UserID  `json:"user_id"`
	Username string  `json:"username,omitempty"`
	Score    float64 `json:"score"`
}

// LiveRank is a user's current position plus neighbours within a few ranks.
type LiveRank struct {
	UserID UserID      `json:"user_id"`
	Rank   int64       `json:"rank"`
	Score  float64     `json:"score"`
	Nearby []RankEntry `json:"nearby"`
}

// NearbyWindow is how many ranks above and below a user LiveRank includes.
const NearbyWindow = 5

// Nearby keeps the entries within window ranks of rank.
func Nearby(entries []RankEntry, rank, window int64) []RankEntry {
	out := make([]RankEntry, 0, 2*window+1)
	for _, e := range entries {
		if d := e.Rank - rank; d >= -window && d <= window {
			out = append(out, e)
		}
	}
	return out
}
