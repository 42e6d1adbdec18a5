package services

import (
	"context"
	"fmt"
	"time"

	"courier/internal/models"

	gocache "github.com/patrickmn/go-cache"
)

const (
	metadataCacheTTL     = 5 * time.Second
	metadataCacheCleanup = time.Minute
)

// CheckpointMetadataLoader builds autonomy snapshots from the latest
// checkpoint of a session, with a short-lived cache in front since the
// runner may consult it for every autonomous effect in a batch.
type CheckpointMetadataLoader struct {
	checkpoints *CheckpointStore
	limits      models.AutonomyLimits
	cache       *gocache.Cache
}

// NewCheckpointMetadataLoader creates a new metadata loader
func NewCheckpointMetadataLoader(checkpoints *CheckpointStore, limits models.AutonomyLimits) *CheckpointMetadataLoader {
	return &CheckpointMetadataLoader{
		checkpoints: checkpoints,
		limits:      limits,
		cache:       gocache.New(metadataCacheTTL, metadataCacheCleanup),
	}
}

// Load returns the autonomy snapshot for a session, or nil if the session
// has no checkpoint yet. Satisfies the runner's MetadataLoader signature.
func (l *CheckpointMetadataLoader) Load(ctx context.Context, sessionKey string) (*models.AutonomyMetadata, error) {
	if cached, found := l.cache.Get(sessionKey); found {
		return cached.(*models.AutonomyMetadata), nil
	}

	checkpoint, err := l.checkpoints.Latest(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint metadata for %s: %w", sessionKey, err)
	}
	if checkpoint == nil {
		return nil, nil
	}

	meta := &models.AutonomyMetadata{
		SessionKey:                 sessionKey,
		CheckpointID:               checkpoint.ID,
		ConsecutiveAutonomousSends: checkpoint.ConsecutiveAutonomousSends,
		Limits:                     l.limits,
	}
	if checkpoint.LastUserActivity != nil {
		meta.LastUserActivity = *checkpoint.LastUserActivity
	}

	l.cache.Set(sessionKey, meta, gocache.DefaultExpiration)
	return meta, nil
}

// Invalidate drops the cached snapshot for a session. Called after a new
// checkpoint commits so policy checks see fresh counters promptly.
func (l *CheckpointMetadataLoader) Invalidate(sessionKey string) {
	l.cache.Delete(sessionKey)
}
