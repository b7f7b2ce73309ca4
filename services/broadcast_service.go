package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sphere-arena/game"
)

const broadcastChannel = "arena:stream"

// redisOpTimeout bounds fire-and-forget redis calls made off the hot path.
const redisOpTimeout = 2 * time.Second

// Frame kinds on the broadcast channel. Gameplay events are individually
// meaningful; state frames are periodic snapshots an observer may miss.
const (
	FrameEvent           = "event"
	FrameState           = "state"
	FrameGameStarted     = "gameStarted"
	FrameScheduleUpdated = "scheduleUpdated"
	// FrameStartRequested asks whichever instance holds leadership to begin
	// the round. It lets an admin start land on any instance of the fleet.
	FrameStartRequested = "startRequested"
)

// Frame is the uniform wire envelope relayed to observers.
type Frame struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// StateSnapshot is the periodic observer-facing view of the simulation.
type StateSnapshot struct {
	Spheres []*game.Sphere `json:"spheres"`
	Status  game.Status    `json:"status"`
}

// BroadcastService fans frames out across the fleet via redis pub/sub and
// to this instance's connected SSE clients. Only the leader publishes
// simulation frames; every instance relays.
type BroadcastService struct {
	rdb *redis.Client

	mu    sync.Mutex
	local map[chan Frame]struct{}
}

func NewBroadcastService(rdb *redis.Client) *BroadcastService {
	return &BroadcastService{
		rdb:   rdb,
		local: make(map[chan Frame]struct{}),
	}
}

// Subscribe registers a local observer. The returned cancel func must be
// called when the client disconnects.
func (s *BroadcastService) Subscribe() (<-chan Frame, func()) {
	ch := make(chan Frame, 64)
	s.mu.Lock()
	s.local[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.local, ch)
		s.mu.Unlock()
	}
}

// Run relays redis frames to local subscribers until ctx is done.
func (s *BroadcastService) Run(ctx context.Context) {
	sub := s.rdb.Subscribe(ctx, broadcastChannel)
	defer sub.Close()
	log.Println("Broadcast relay started.")

	for {
		select {
		case <-ctx.Done():
			log.Println("Broadcast relay stopped.")
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				log.Printf("❌ Broadcast: bad frame dropped: %v", err)
				continue
			}
			s.fanOut(frame)
		}
	}
}

func (s *BroadcastService) fanOut(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.local {
		select {
		case ch <- frame:
		default:
			// Slow observer: drop the frame rather than stall the relay.
		}
	}
}

func (s *BroadcastService) publish(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("❌ Broadcast: marshal %s: %v", kind, err)
		return
	}
	raw, _ := json.Marshal(Frame{Kind: kind, Data: data})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.rdb.Publish(ctx, broadcastChannel, raw).Err(); err != nil {
		// Broadcasts are lossy by contract; log and move on.
		log.Printf("❌ Broadcast: publish %s: %v", kind, err)
	}
}

// PublishEvent relays one gameplay/lifecycle event.
func (s *BroadcastService) PublishEvent(e game.Event) {
	s.publish(FrameEvent, e)
}

// PublishState relays a periodic state snapshot.
func (s *BroadcastService) PublishState(snap StateSnapshot) {
	s.publish(FrameState, snap)
}

// PublishGameStarted signals clients to navigate into the live view.
// Distinct from state snapshots on purpose.
func (s *BroadcastService) PublishGameStarted(gameID string) {
	s.publish(FrameGameStarted, map[string]string{"game_id": gameID})
}

// PublishScheduleUpdated carries the new next-time/player-count.
func (s *BroadcastService) PublishScheduleUpdated(payload any) {
	s.publish(FrameScheduleUpdated, payload)
}

// PublishStartRequested relays a manual start to the leader.
func (s *BroadcastService) PublishStartRequested() {
	s.publish(FrameStartRequested, map[string]string{"requested_at": time.Now().UTC().Format(time.RFC3339)})
}
