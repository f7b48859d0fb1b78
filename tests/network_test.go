package tests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radeonares/bdlm/network"
)

// TestPeerBanAfterRepeatedInvalidBlocks drives a single peer's score down
// with invalid-block reports until it crosses the ban threshold, then
// verifies UnbanPeer clears the ban and resets the score.
func TestPeerBanAfterRepeatedInvalidBlocks(t *testing.T) {
	pm := network.NewPeerManager()
	const peerID = "peer-1"

	for i := 0; i < 11; i++ {
		pm.ReportInvalidBlock(peerID)
	}
	require.True(t, pm.IsBanned(peerID), "peer should be banned after 11 invalid-block reports")
	assert.LessOrEqual(t, pm.Score(peerID), network.BanThreshold)

	// Lift the ban directly rather than sleeping for the real one-hour ban
	// duration; CleanupExpiredBans is not exercised here.
	pm.UnbanPeer(peerID)
	require.False(t, pm.IsBanned(peerID))
	assert.Equal(t, 0, pm.Score(peerID))
}

// TestPeerScoreClampedAtBounds ensures good-behavior rewards cannot push a
// peer's score above MaxScore.
func TestPeerScoreClampedAtBounds(t *testing.T) {
	pm := network.NewPeerManager()
	const peerID = "peer-2"
	for i := 0; i < 200; i++ {
		pm.ReportGoodBehavior(peerID)
	}
	assert.Equal(t, network.MaxScore, pm.Score(peerID))
}

// TestPeerRateLimitTriggersBadBehaviorPenalty verifies that exhausting the
// general-message token bucket both rejects the message and dings the
// peer's score.
func TestPeerRateLimitTriggersBadBehaviorPenalty(t *testing.T) {
	pm := network.NewPeerManager()
	const peerID = "peer-3"

	allowed := 0
	for i := 0; i < 100; i++ {
		if pm.CheckRateLimit(peerID) {
			allowed++
		}
	}
	assert.Less(t, allowed, 100, "burst budget should exhaust before 100 rapid messages")
	assert.Less(t, pm.Score(peerID), 0)
}
