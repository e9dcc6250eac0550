package model

// Realtime event types pushed over the sync bridge. Payloads carry the ids a
// client needs to route the update without a full re-fetch.
const (
	EventMatchUpdate  = "evmMatchUpdate"
	EventRewardUpdate = "evmRewardUpdate"
	EventMarketTick   = "marketTick"
	EventMarketLocked = "marketLocked"
	EventMarketSettle = "marketSettled"
	EventBetAccepted  = "betAccepted"
	EventBetCancelled = "betCancelled"
)

// ChannelMatch, ChannelSession, and ChannelMarket build the subscription
// channel id for one entity.
func ChannelMatch(id string) string   { return "match:" + id }
func ChannelSession(id string) string { return "session:" + id }
func ChannelMarket(id string) string  { return "market:" + id }

// Event is one realtime update addressed to a subscription channel.
// EmittedAt is a unix-millisecond server timestamp used for end-to-end
// latency measurement on the client; diagnostic only.
type Event struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel"`
	Payload   interface{} `json:"payload"`
	EmittedAt int64       `json:"emitted_at"`
}

// MatchUpdatePayload mirrors the authoritative match state for push clients.
type MatchUpdatePayload struct {
	MatchID string     `json:"matchId"`
	State   MatchState `json:"state"`
	Score1  *int64     `json:"score1,omitempty"`
	Score2  *int64     `json:"score2,omitempty"`
	Winner  string     `json:"winner,omitempty"`
}

// RewardUpdatePayload notifies a session about a reward status change.
type RewardUpdatePayload struct {
	SessionID string   `json:"sessionId"`
	Seq       uint64   `json:"seq"`
	Status    TxStatus `json:"status"`
	TxHash    string   `json:"txHash,omitempty"`
	AmountWei string   `json:"amountWei"`
}

// MarketTickPayload carries one odds snapshot.
type MarketTickPayload struct {
	MarketID string `json:"marketId"`
	Seq      uint64 `json:"seq"`
	OddsABps int64  `json:"oddsABps"`
	OddsBBps int64  `json:"oddsBBps"`
	PoolWei  string `json:"poolWei"`
}

// BetPayload describes an accepted or cancelled bet.
type BetPayload struct {
	MarketID string      `json:"marketId"`
	OrderID  string      `json:"orderId"`
	UserID   string      `json:"userId"`
	Side     Side        `json:"side"`
	StakeWei string      `json:"stakeWei"`
	OddsBps  int64       `json:"oddsBps"`
	Status   OrderStatus `json:"status"`
}

// MarketSettledPayload summarizes a settled market.
type MarketSettledPayload struct {
	MarketID       string `json:"marketId"`
	WinnerSide     Side   `json:"winnerSide"`
	TotalPoolWei   string `json:"totalPoolWei"`
	TotalPayoutWei string `json:"totalPayoutWei"`
	PlatformFeeWei string `json:"platformFeeWei"`
}
