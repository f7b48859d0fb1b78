package network

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Peer misbehavior/reward constants and scoring thresholds.
const (
	InvalidBlockPenalty     = -10
	InvalidTxPenalty        = -5
	OversizedMessagePenalty = -3
	GoodBehaviorReward      = 1
	BanThreshold            = -100
	BanDuration             = 1 * time.Hour
	MaxScore                = 100
	MinScore                = -100
)

// Token bucket shapes for the three rate-limited message classes: general
// gossip (tx/block/header requests), governance votes, and large blobs
// (block/snapshot bodies).
const (
	generalBurst  = 20
	generalRefill = 5.0
	voteBurst     = 20
	voteStart     = 10
	voteRefill    = 2.0
	blobBurst     = 10
	blobStart     = 5
	blobRefill    = 0.5
)

// PeerScore tracks one remote peer's reputation and rate-limit budgets.
// Rate limiting is delegated to golang.org/x/time/rate token buckets; score
// bookkeeping and bans are layered on top.
type PeerScore struct {
	Score              int
	BannedUntil        time.Time
	InvalidBlocks      uint32
	InvalidTxs         uint32
	ValidContributions uint32
	LastSeen           time.Time
	Handshaked         bool

	general *rate.Limiter
	vote    *rate.Limiter
	blob    *rate.Limiter
}

func newPeerScore() *PeerScore {
	vote := rate.NewLimiter(rate.Limit(voteRefill), voteBurst)
	vote.AllowN(time.Now(), voteBurst-voteStart) // drain to the configured starting level
	blob := rate.NewLimiter(rate.Limit(blobRefill), blobBurst)
	blob.AllowN(time.Now(), blobBurst-blobStart)
	return &PeerScore{
		general: rate.NewLimiter(rate.Limit(generalRefill), generalBurst),
		vote:    vote,
		blob:    blob,
	}
}

// IsBanned reports whether the peer is currently under an active ban.
func (s *PeerScore) IsBanned() bool {
	return !s.BannedUntil.IsZero() && time.Now().Before(s.BannedUntil)
}

func (s *PeerScore) ban() {
	s.BannedUntil = time.Now().Add(BanDuration)
}

func clampScore(v int) int {
	if v > MaxScore {
		return MaxScore
	}
	if v < MinScore {
		return MinScore
	}
	return v
}

// PeerManager tracks PeerScore state for every peer this node has seen,
// keyed by peer ID. It is safe for concurrent use.
type PeerManager struct {
	mu    sync.Mutex
	peers map[string]*PeerScore
}

// NewPeerManager creates an empty PeerManager.
func NewPeerManager() *PeerManager {
	return &PeerManager{peers: make(map[string]*PeerScore)}
}

func (m *PeerManager) getOrCreate(id string) *PeerScore {
	s, ok := m.peers[id]
	if !ok {
		s = newPeerScore()
		m.peers[id] = s
	}
	return s
}

// CheckRateLimit consumes one general-message token. It returns false (and
// applies the oversized-message penalty) if the peer has exhausted its
// burst budget.
func (m *PeerManager) CheckRateLimit(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(id)
	if s.general.Allow() {
		return true
	}
	s.Score = clampScore(s.Score + OversizedMessagePenalty)
	if s.Score <= BanThreshold {
		s.ban()
	}
	return false
}

// CheckVoteRateLimit consumes one governance-vote token.
func (m *PeerManager) CheckVoteRateLimit(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(id)
	if s.vote.Allow() {
		return true
	}
	s.Score = clampScore(s.Score - 1)
	return false
}

// CheckBlobRateLimit consumes one large-blob (block/snapshot) token.
func (m *PeerManager) CheckBlobRateLimit(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(id)
	if s.blob.Allow() {
		return true
	}
	s.Score = clampScore(s.Score - 5)
	return false
}

// ReportInvalidBlock penalizes id for sending a block that failed validation.
func (m *PeerManager) ReportInvalidBlock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(id)
	s.InvalidBlocks++
	s.Score = clampScore(s.Score + InvalidBlockPenalty)
	s.LastSeen = time.Now()
	if s.Score <= BanThreshold {
		s.ban()
	}
}

// ReportInvalidTx penalizes id for sending a transaction that failed validation.
func (m *PeerManager) ReportInvalidTx(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(id)
	s.InvalidTxs++
	s.Score = clampScore(s.Score + InvalidTxPenalty)
	s.LastSeen = time.Now()
	if s.Score <= BanThreshold {
		s.ban()
	}
}

// ReportBadBehavior applies a flat penalty for protocol violations that
// don't fit the invalid-block/tx categories (e.g. malformed handshake).
func (m *PeerManager) ReportBadBehavior(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(id)
	s.Score = clampScore(s.Score - 10)
	s.LastSeen = time.Now()
	if s.Score <= BanThreshold {
		s.ban()
	}
}

// ReportGoodBehavior rewards id for a useful contribution (e.g. relaying a
// block that turned out to extend our chain).
func (m *PeerManager) ReportGoodBehavior(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(id)
	s.ValidContributions++
	s.Score = clampScore(s.Score + GoodBehaviorReward)
	s.LastSeen = time.Now()
}

// BanPeer bans id immediately, independent of its current score.
func (m *PeerManager) BanPeer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(id).ban()
}

// UnbanPeer clears id's ban and resets its score to zero.
func (m *PeerManager) UnbanPeer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(id)
	s.BannedUntil = time.Time{}
	s.Score = 0
}

// IsBanned reports whether id is currently banned.
func (m *PeerManager) IsBanned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.peers[id]
	return ok && s.IsBanned()
}

// Score returns id's current reputation score (0 if unseen).
func (m *PeerManager) Score(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.peers[id]; ok {
		return s.Score
	}
	return 0
}

// SetHandshaked records whether id has completed the protocol handshake.
func (m *PeerManager) SetHandshaked(id string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(id).Handshaked = ok
}

// IsHandshaked reports whether id has completed the protocol handshake.
func (m *PeerManager) IsHandshaked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.peers[id]
	return ok && s.Handshaked
}

// CleanupExpiredBans clears bans whose duration has elapsed, resetting
// their score so the peer gets a fresh start rather than an immediate
// re-ban from a stale negative score.
func (m *PeerManager) CleanupExpiredBans() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, s := range m.peers {
		if !s.BannedUntil.IsZero() && now.After(s.BannedUntil) {
			s.BannedUntil = time.Time{}
			s.Score = 0
		}
	}
}

// BannedPeers returns the IDs of every currently-banned peer.
func (m *PeerManager) BannedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, s := range m.peers {
		if s.IsBanned() {
			out = append(out, id)
		}
	}
	return out
}
