package services

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"sphere-arena/game"
	"sphere-arena/models"
)

// staticLeader pins the leadership answer for a test.
type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

// newTestDB opens an isolated in-memory database per test. The shared-cache
// name keeps all pooled connections on the same database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Match{}, &models.Participant{}, &models.Schedule{}))
	return db
}

// deadBroadcast returns a broadcast service whose redis is unreachable;
// publishes degrade to logged errors, which is the service's contract.
func deadBroadcast() *BroadcastService {
	return NewBroadcastService(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	}))
}

func TestStartIgnoredWhileMatchActive(t *testing.T) {
	for _, status := range []game.Status{game.StatusGenerating, game.StatusPlaying} {
		// Nil DB proves the guard fires before any database work.
		svc := &ArenaService{status: status}
		err := svc.Start()
		assert.NoError(t, err, "duplicate start must be a no-op, status %s", status)
		assert.Equal(t, status, svc.status, "duplicate start must not disturb the running match")
	}
}

func TestStartDefersToLeader(t *testing.T) {
	// Nil DB again: a non-leader must bail before touching the database,
	// leaving the round to the instance that can actually simulate it.
	svc := &ArenaService{status: game.StatusIdle, Leader: staticLeader(false)}
	err := svc.Start()
	assert.NoError(t, err)
	assert.Equal(t, game.StatusIdle, svc.status)
}

func TestStartRefusesSecondActiveMatchAcrossInstances(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.Match{
		GameID: "game-held-elsewhere",
		Status: models.MatchStatusPlaying,
	}).Error)

	// A second instance with clean local state must still see the fleet's
	// running match through the database.
	svc := NewArenaService(db, deadBroadcast(), staticLeader(true))
	require.NoError(t, svc.Start())

	assert.Equal(t, game.StatusIdle, svc.status)
	var total, active int64
	db.Model(&models.Match{}).Count(&total)
	db.Model(&models.Match{}).
		Where("status IN ?", []string{models.MatchStatusGenerating, models.MatchStatusPlaying}).
		Count(&active)
	assert.EqualValues(t, 1, total, "no second row may be created")
	assert.EqualValues(t, 1, active)
}

func TestStartLaunchesMatchAndPersistsRoster(t *testing.T) {
	db := newTestDB(t)
	svc := NewArenaService(db, deadBroadcast(), staticLeader(true))
	require.NoError(t, svc.Start())

	assert.Equal(t, game.StatusPlaying, svc.status)
	assert.Len(t, svc.spheres, 8, "unscheduled start fills the default target with bots")

	var match models.Match
	require.NoError(t, db.First(&match).Error)
	assert.Equal(t, models.MatchStatusPlaying, match.Status)
	require.NotNil(t, match.StartedAt)
	var roster []models.MatchParticipant
	require.NoError(t, json.Unmarshal([]byte(match.ParticipantsJSON), &roster))
	assert.Len(t, roster, 8)
}

func TestRecoverStaleMatchesCancelsActiveRows(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	finished := models.Match{GameID: "game-done", Status: models.MatchStatusFinished, EndedAt: &now}
	require.NoError(t, db.Create(&finished).Error)
	require.NoError(t, db.Create(&models.Match{GameID: "game-stale", Status: models.MatchStatusPlaying}).Error)

	svc := NewArenaService(db, nil, staticLeader(true))
	require.NoError(t, svc.RecoverStaleMatches())

	var stale models.Match
	require.NoError(t, db.Where("game_id = ?", "game-stale").First(&stale).Error)
	assert.Equal(t, models.MatchStatusCancelled, stale.Status)
	require.NotNil(t, stale.CancelReason)
	assert.Equal(t, "restarted", *stale.CancelReason)
	assert.NotNil(t, stale.EndedAt)

	var untouched models.Match
	require.NoError(t, db.Where("game_id = ?", "game-done").First(&untouched).Error)
	assert.Equal(t, models.MatchStatusFinished, untouched.Status)
}

func TestBotDeficit(t *testing.T) {
	assert.Equal(t, 5, botDeficit(8, 3))
	assert.Equal(t, 0, botDeficit(8, 8))
	assert.Equal(t, 0, botDeficit(8, 12), "humans over target never produce negative bots")
	assert.Equal(t, 8, botDeficit(8, 0), "an empty round is all bots")
}

func TestBuildParticipantSnapshot(t *testing.T) {
	confirmed := []models.Participant{
		{Username: "alice", WalletAddress: "wallet-a", Chain: models.ChainTON},
		{Username: "bob", WalletAddress: "wallet-b", Chain: models.ChainSOL},
		{Username: "carol", WalletAddress: "wallet-c", Chain: models.ChainTON},
	}

	snapshot := buildParticipantSnapshot(confirmed, 8)
	require.Len(t, snapshot, 8)

	// Humans first, in the order given (join order).
	assert.Equal(t, "alice", snapshot[0].Name)
	assert.Equal(t, "wallet-b", snapshot[1].Wallet)
	assert.Equal(t, models.ChainTON, snapshot[2].Chain)
	for i := 0; i < 3; i++ {
		assert.False(t, snapshot[i].IsBot)
	}

	for i := 3; i < 8; i++ {
		assert.True(t, snapshot[i].IsBot)
		assert.Empty(t, snapshot[i].Wallet, "bots carry no wallet")
	}
	assert.Equal(t, "Bot-01", snapshot[3].Name)
	assert.Equal(t, "Bot-05", snapshot[7].Name)
}

func TestBuildParticipantSnapshotOverfullKeepsAllHumans(t *testing.T) {
	confirmed := make([]models.Participant, 10)
	for i := range confirmed {
		confirmed[i] = models.Participant{Username: fmt.Sprintf("p%d", i)}
	}
	snapshot := buildParticipantSnapshot(confirmed, 8)
	require.Len(t, snapshot, 10, "confirmed humans are never dropped")
	for _, p := range snapshot {
		assert.False(t, p.IsBot)
	}
}

func TestBuildSpheres(t *testing.T) {
	snapshot := buildParticipantSnapshot([]models.Participant{
		{Username: "alice", WalletAddress: "wallet-a", Chain: models.ChainTON},
		{Username: "bob", WalletAddress: "wallet-b", Chain: models.ChainSOL},
	}, 4)
	spheres := buildSpheres(snapshot)
	require.Len(t, spheres, 4)

	ids := map[string]bool{}
	for _, sp := range spheres {
		assert.False(t, ids[sp.ID], "sphere ids must be unique")
		ids[sp.ID] = true
		assert.Equal(t, float64(game.MaxHealth), sp.Health)
		assert.False(t, sp.Eliminated)
		assert.GreaterOrEqual(t, sp.X, float64(game.SphereRadius))
		assert.LessOrEqual(t, sp.X, float64(game.ArenaWidth-game.SphereRadius))
	}

	assert.Equal(t, "alice", spheres[0].Name)
	assert.False(t, spheres[0].IsBot)
	assert.Equal(t, "wallet-b", spheres[1].Wallet)
	assert.True(t, spheres[2].IsBot)

	// Humans and bots draw colors from separate palettes.
	assert.Equal(t, game.HumanPalette[0], spheres[0].Color)
	assert.Equal(t, game.HumanPalette[1], spheres[1].Color)
	assert.Equal(t, game.BotPalette[0], spheres[2].Color)
	assert.Equal(t, game.BotPalette[1], spheres[3].Color)
}

func TestNewGameIDDistinctAcrossTimes(t *testing.T) {
	base := time.Now()
	a := newGameID(base)
	b := newGameID(base.Add(time.Nanosecond))
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "game-")
}

func TestSnapshotReturnsCopies(t *testing.T) {
	svc := &ArenaService{
		status:  game.StatusPlaying,
		spheres: []*game.Sphere{{ID: "s1", Name: "alice", X: 100}},
	}
	snap := svc.Snapshot()
	require.Len(t, snap.Spheres, 1)

	snap.Spheres[0].X = 999
	assert.Equal(t, 100.0, svc.spheres[0].X, "mutating a snapshot must not touch live state")
}
