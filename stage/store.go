package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/queue"
)

// ErrNoPayload is returned by Get when no envelope is parked for the stage.
// A missing payload is normal for stages that have not run yet; callers
// decide whether that is an error.
var ErrNoPayload = errors.New("no stored stage payload")

const defaultPayloadTTL = 24 * time.Hour

// Store parks inter-stage envelopes in the broker so a workflow can resume
// on any worker. Entries expire on their own; a finished workflow deletes
// its keys eagerly so the broker does not carry a day of dead payloads.
type Store struct {
	conns  *queue.Connections
	prefix string
	ttl    time.Duration
	log    *logrus.Entry
}

// NewStore creates the payload store on the shared connections.
func NewStore(conns *queue.Connections, keyPrefix string, ttl time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = "poflow"
	}
	if ttl <= 0 {
		ttl = defaultPayloadTTL
	}
	return &Store{
		conns:  conns,
		prefix: keyPrefix,
		ttl:    ttl,
		log:    poflow.Component("stage.store"),
	}
}

func (s *Store) key(workflowID string, stage model.StageName) string {
	return fmt.Sprintf("%s:stage:%s:%s", s.prefix, workflowID, stage)
}

// Put parks the envelope under its stage key, refreshing the TTL.
func (s *Store) Put(ctx context.Context, workflowID string, env *Envelope) error {
	if env == nil {
		return poflow.Validation("stage.store.Put", errors.New("nil envelope"))
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return poflow.Validation("stage.store.Put", fmt.Errorf("failed to encode stage payload: %w", err))
	}
	if err := s.conns.Commands.Set(ctx, s.key(workflowID, env.Stage), raw, s.ttl).Err(); err != nil {
		return poflow.Transient("stage.store.Put", fmt.Errorf("failed to park stage payload: %w", err))
	}
	return nil
}

// Get loads the envelope parked for the stage. ErrNoPayload when nothing is
// stored, which also covers payloads that aged out.
func (s *Store) Get(ctx context.Context, workflowID string, stage model.StageName) (*Envelope, error) {
	raw, err := s.conns.Commands.Get(ctx, s.key(workflowID, stage)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("stage %s of workflow %s: %w", stage, workflowID, ErrNoPayload)
	}
	if err != nil {
		return nil, poflow.Transient("stage.store.Get", fmt.Errorf("failed to load stage payload: %w", err))
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, poflow.Validation("stage.store.Get", fmt.Errorf("malformed stage payload: %w", err))
	}
	return &env, nil
}

// Delete drops one stage's parked payload. Deleting an absent key is not an
// error.
func (s *Store) Delete(ctx context.Context, workflowID string, stage model.StageName) error {
	if err := s.conns.Commands.Del(ctx, s.key(workflowID, stage)).Err(); err != nil {
		return poflow.Transient("stage.store.Delete", fmt.Errorf("failed to drop stage payload: %w", err))
	}
	return nil
}

// DeleteAll drops every stage payload of the workflow in one round trip.
// The final pipeline stage calls this once the order reaches a terminal
// status.
func (s *Store) DeleteAll(ctx context.Context, workflowID string) error {
	keys := make([]string, 0, len(model.PipelineStages))
	for _, st := range model.PipelineStages {
		keys = append(keys, s.key(workflowID, st))
	}
	if err := s.conns.Commands.Del(ctx, keys...).Err(); err != nil {
		return poflow.Transient("stage.store.DeleteAll", fmt.Errorf("failed to clear stage payloads: %w", err))
	}
	s.log.WithField("workflowId", workflowID).Debug("stage payloads cleared")
	return nil
}
