package identity

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/dealdesk/collab-sync/internal/auth"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("identity: invalid identity")

// colorPalette holds the cursor colors handed out to collaborators. A user keeps
// the same color across sessions because selection hashes the user id.
var colorPalette = []string{
	"#E05252",
	"#E0A152",
	"#C2C94F",
	"#5FBF63",
	"#4FB8C9",
	"#527DE0",
	"#8E52E0",
	"#D452C9",
}

// ServiceConfig describes the dependencies required for collaborator resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages the registry of collaborators and their presentation colors.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the collaborator registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Resolve returns the collaborator record for the provided session claims,
// creating it on first sight. The name is refreshed when the claims carry a
// newer one; the color never changes once assigned.
func (s *Service) Resolve(claims auth.SessionClaims) (Collaborator, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return Collaborator{}, ErrInvalidIdentity
	}
	userName := normalize(claims.UserName)

	if cached, ok := s.cache.Load(userID); ok {
		collaborator, ok := cached.(Collaborator)
		if ok && collaborator.UserName == userName {
			return collaborator, nil
		}
	}

	var collaborator Collaborator
	err := s.db.
		Where("user_id = ?", userID).
		First(&collaborator).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		collaborator = Collaborator{
			UserID:     userID,
			UserName:   userName,
			Color:      ColorFor(userID),
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&collaborator).Error; err != nil {
			return Collaborator{}, err
		}
	} else if err != nil {
		return Collaborator{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if userName != "" && userName != collaborator.UserName {
			updates["user_name"] = userName
			collaborator.UserName = userName
		}
		_ = s.db.Model(&Collaborator{}).
			Where("user_id = ?", userID).
			Updates(updates).
			Error
	}

	s.cache.Store(userID, collaborator)
	return collaborator, nil
}

// ColorFor deterministically maps a user id onto the palette.
func ColorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return colorPalette[hasher.Sum32()%uint32(len(colorPalette))]
}
