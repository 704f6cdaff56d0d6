// Package broadcast computes recipient sets for change batches and delivers
// keyframes and incremental updates to live sessions.
package broadcast

import (
	"fmt"
	"sync"
	"time"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/config"
	"worldsync/server/internal/diff"
	"worldsync/server/internal/net/proto"
	"worldsync/server/internal/session"
	"worldsync/server/internal/telemetry"
	"worldsync/server/internal/tick"
	"worldsync/server/internal/world"
)

// defaultFanout caps how many recipient sends run concurrently; one slow
// socket must not stall tick processing.
const defaultFanout = 16

// Broadcaster owns delivery of sync traffic to registered sessions.
type Broadcaster struct {
	sessions *session.Registry
	groups   *config.Registry
	store    world.Store
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	fanout   int
}

// New constructs a broadcaster.
func New(sessions *session.Registry, groups *config.Registry, store world.Store, logger telemetry.Logger, metrics telemetry.Metrics) *Broadcaster {
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Broadcaster{
		sessions: sessions,
		groups:   groups,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		fanout:   defaultFanout,
	}
}

// Recipients returns the ids of sessions whose agent may currently view the
// entity. Group view roles gate access; the entity's own view roles narrow it.
func (b *Broadcaster) Recipients(entity world.Entity) []string {
	group, err := b.groups.Get(entity.SyncGroup)
	if err != nil {
		return nil
	}
	var ids []string
	for _, sess := range b.sessions.ListActive() {
		ctx := auth.Context{AgentID: sess.AgentID, Roles: sess.Roles}
		if world.Visible(ctx, group, entity) {
			ids = append(ids, sess.ID)
		}
	}
	return ids
}

// Keyframe sends a full snapshot of the group to one session, filtered to the
// entities it may view. A newly joined client starts from this complete state
// instead of applying deltas against nothing.
func (b *Broadcaster) Keyframe(sess *session.Session, groupName string) error {
	group, err := b.groups.Get(groupName)
	if err != nil {
		return err
	}
	entities, err := b.store.ListBySyncGroup(groupName)
	if err != nil {
		return fmt.Errorf("keyframe snapshot for group %q: %w", groupName, err)
	}

	ctx := auth.Context{AgentID: sess.AgentID, Roles: sess.Roles}
	visible := make([]world.Entity, 0, len(entities))
	for _, entity := range entities {
		if world.Visible(ctx, group, entity) {
			visible = append(visible, entity)
		}
	}

	msg := proto.KeyframeResponse{
		Ver:        proto.Version,
		Type:       proto.TypeKeyframeResponse,
		SyncGroup:  groupName,
		Entities:   visible,
		ServerTime: time.Now().UnixMilli(),
	}
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	if err := sess.Conn.Send(data); err != nil {
		return fmt.Errorf("send keyframe to session %s: %w", sess.ID, err)
	}
	b.metrics.Add("keyframes_sent", 1)
	return nil
}

// Deliver fans a change batch out to the affected sessions. Each recipient
// gets one message holding only its own changes plus the originating tick's
// metadata. Sends run concurrently up to the fanout cap; a failure for one
// session is logged and never blocks the others. An empty batch sends
// nothing.
func (b *Broadcaster) Deliver(t tick.Tick, changes []diff.Change) {
	if len(changes) == 0 {
		return
	}

	perSession := make(map[string][]diff.Change)
	for _, change := range changes {
		for _, sessionID := range change.AffectedSessionIDs {
			perSession[sessionID] = append(perSession[sessionID], change)
		}
	}
	if len(perSession) == 0 {
		return
	}

	sem := make(chan struct{}, b.fanout)
	var wg sync.WaitGroup
	for sessionID, sessionChanges := range perSession {
		sess, err := b.sessions.Get(sessionID)
		if err != nil {
			// Session went away between diff and delivery.
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(sess *session.Session, changes []diff.Change) {
			defer wg.Done()
			defer func() { <-sem }()
			b.send(sess, t, changes)
		}(sess, sessionChanges)
	}
	wg.Wait()
}

func (b *Broadcaster) send(sess *session.Session, t tick.Tick, changes []diff.Change) {
	msg := proto.EntityUpdate{
		Ver:     proto.Version,
		Type:    proto.TypeEntityUpdate,
		Tick:    t,
		Changes: changes,
	}
	data, err := proto.Encode(msg)
	if err != nil {
		if b.logger != nil {
			b.logger.Printf("failed to encode update for session %s: %v", sess.ID, err)
		}
		return
	}
	if err := sess.Conn.Send(data); err != nil {
		b.metrics.Add("delivery_failures", 1)
		if b.logger != nil {
			b.logger.Printf("failed to deliver tick %d to session %s: %v", t.Number, sess.ID, err)
		}
		return
	}
	b.metrics.Add("updates_sent", 1)
	b.metrics.Add("changes_sent", uint64(len(changes)))
}
