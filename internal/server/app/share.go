package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relay/internal/ident"
	"relay/internal/logging"
	"relay/internal/server/ports"
	"relay/internal/storage"
)

// ShareLink is the response to a share creation request.
type ShareLink struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ShareService issues and resolves capability-bearing, time-limited links
// to a task's artifact.
type ShareService struct {
	tokens     *storage.ShareStore
	tasks      *TaskStore
	baseURL    string
	defaultTTL time.Duration
	logger     logging.Logger
}

// NewShareService creates a share service. baseURL is the public prefix
// share URLs are built on.
func NewShareService(tokens *storage.ShareStore, tasks *TaskStore, baseURL string, defaultTTL time.Duration, logger logging.Logger) *ShareService {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &ShareService{
		tokens:     tokens,
		tasks:      tasks,
		baseURL:    strings.TrimRight(baseURL, "/"),
		defaultTTL: defaultTTL,
		logger:     logging.OrNop(logger),
	}
}

// CreateLink mints a share token for a task's artifact. ttlMin of zero
// falls back to the default TTL.
func (s *ShareService) CreateLink(ctx context.Context, taskID string, kind ports.ShareKind, ttlMin int) (*ShareLink, error) {
	switch kind {
	case "":
		kind = ports.ShareKindJSON
	case ports.ShareKindJSON, ports.ShareKindZip:
	default:
		return nil, ValidationError(fmt.Sprintf("unknown share type %q", kind))
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Artifact == nil {
		return nil, NotFoundError(fmt.Sprintf("artifact for task %s", taskID))
	}

	ttl := s.defaultTTL
	if ttlMin > 0 {
		ttl = time.Duration(ttlMin) * time.Minute
	}

	token := ports.ShareToken{
		Token:     ident.NewShareToken(),
		TaskID:    taskID,
		Kind:      kind,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.tokens.Put(token); err != nil {
		return nil, err
	}

	s.logger.Info("Share link created for task %s (%s, expires %s)", taskID, kind, token.ExpiresAt.Format(time.RFC3339))
	return &ShareLink{
		URL:       s.baseURL + "/api/shared/" + token.Token,
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// Resolve looks a token up. Unknown tokens are NotFound; expired ones are
// Gone and pruned from the store as a side effect.
func (s *ShareService) Resolve(ctx context.Context, token string) (ports.ShareToken, error) {
	entry, ok, expired := s.tokens.Get(token, time.Now())
	if !ok {
		return ports.ShareToken{}, NotFoundError("share token")
	}
	if expired {
		return ports.ShareToken{}, GoneError("share token expired")
	}
	return entry, nil
}
