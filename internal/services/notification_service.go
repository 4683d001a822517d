package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mossy-p/campus-signaling/internal/models"
	"github.com/mossy-p/campus-signaling/internal/pubsub"
	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/logger"
	"github.com/mossy-p/campus-signaling/pkg/metrics"
)

// Notification types delivered on a user's stream.
const (
	NotificationIncomingCall = "incoming_call"
	NotificationMessage      = "message"
)

// Notification is one alert pushed to a user.
type Notification struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Sound     bool           `json:"sound"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Preferences are a user's alert switches.
type Preferences struct {
	CallAlerts    bool `json:"callAlerts"`
	MessageAlerts bool `json:"messageAlerts"`
	Sound         bool `json:"sound"`
}

// DefaultPreferences apply to users who never saved any.
func DefaultPreferences() Preferences {
	return Preferences{CallAlerts: true, MessageAlerts: true, Sound: true}
}

// UpdatePreferencesInput is a partial update; nil fields keep their current value.
type UpdatePreferencesInput struct {
	CallAlerts    *bool `json:"callAlerts"`
	MessageAlerts *bool `json:"messageAlerts"`
	Sound         *bool `json:"sound"`
}

// preferenceSnapshot is never mutated once published.
type preferenceSnapshot map[string]Preferences

// NotificationService pushes alerts to per-user topics and owns the preferences snapshot.
type NotificationService struct {
	db     *gorm.DB
	broker pubsub.Broker
	log    *zap.Logger
	now    func() time.Time

	prefs atomic.Pointer[preferenceSnapshot]
}

func NewNotificationService(db *gorm.DB, broker pubsub.Broker) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	if broker == nil {
		return nil, errors.New("notification service: broker is required")
	}
	s := &NotificationService{
		db:     db,
		broker: broker,
		log:    logger.WithModule("notifications"),
		now:    time.Now,
	}
	empty := preferenceSnapshot{}
	s.prefs.Store(&empty)
	return s, nil
}

// UserTopic is the broker topic carrying userID's notifications.
func UserTopic(userID string) string {
	return "user:" + userID
}

// loadAttempts bounds how often Load re-reads the table when updates race with it.
const loadAttempts = 3

// Load replaces the snapshot with the stored preferences. An update published while the
// table was being read wins, and the read is repeated so it is not overwritten.
func (s *NotificationService) Load(ctx context.Context) error {
	ctx = ensureContext(ctx)
	for attempt := 1; attempt <= loadAttempts; attempt++ {
		current := s.prefs.Load()

		var rows []models.NotificationPreference
		if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
			return fmt.Errorf("notification service: load preferences: %w", err)
		}

		next := make(preferenceSnapshot, len(rows))
		for _, row := range rows {
			next[row.UserID] = Preferences{
				CallAlerts:    row.CallAlerts,
				MessageAlerts: row.MessageAlerts,
				Sound:         row.Sound,
			}
		}
		if s.prefs.CompareAndSwap(current, &next) {
			s.log.Debug("preferences loaded", zap.Int("users", len(next)), zap.Int("attempt", attempt))
			return nil
		}
	}
	return errors.New("notification service: load preferences: snapshot kept changing during reload")
}

// Preferences returns userID's current switches.
func (s *NotificationService) Preferences(userID string) Preferences {
	if p, ok := (*s.prefs.Load())[userID]; ok {
		return p
	}
	return DefaultPreferences()
}

// UpdatePreferences persists the change and publishes a new snapshot.
func (s *NotificationService) UpdatePreferences(ctx context.Context, userID string, input UpdatePreferencesInput) (Preferences, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Preferences{}, apperrors.ErrUnauthorized
	}

	next := s.Preferences(userID)
	if input.CallAlerts != nil {
		next.CallAlerts = *input.CallAlerts
	}
	if input.MessageAlerts != nil {
		next.MessageAlerts = *input.MessageAlerts
	}
	if input.Sound != nil {
		next.Sound = *input.Sound
	}

	row := models.NotificationPreference{
		UserID:        userID,
		CallAlerts:    next.CallAlerts,
		MessageAlerts: next.MessageAlerts,
		Sound:         next.Sound,
		UpdatedAt:     s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"call_alerts", "message_alerts", "sound", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return Preferences{}, fmt.Errorf("notification service: save preferences: %w", err)
	}

	for {
		current := s.prefs.Load()
		copied := make(preferenceSnapshot, len(*current)+1)
		for k, v := range *current {
			copied[k] = v
		}
		copied[userID] = next
		if s.prefs.CompareAndSwap(current, &copied) {
			break
		}
	}
	return next, nil
}

// Notify delivers n to userID's stream. Alerts the user muted are dropped without error.
func (s *NotificationService) Notify(ctx context.Context, userID string, n Notification) error {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(userID) == "" {
		return apperrors.NewBadRequest("notification recipient is required")
	}

	prefs := s.Preferences(userID)
	if muted(prefs, n.Type) {
		metrics.Notifications.WithLabelValues(n.Type, "muted").Inc()
		return nil
	}
	n.Sound = prefs.Sound
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notification service: encode: %w", err)
	}
	if err := s.broker.Publish(ctx, UserTopic(userID), data); err != nil {
		metrics.Notifications.WithLabelValues(n.Type, "failed").Inc()
		return fmt.Errorf("notification service: publish: %w", err)
	}
	metrics.Notifications.WithLabelValues(n.Type, "sent").Inc()
	return nil
}

// Subscribe streams userID's notifications as raw JSON.
func (s *NotificationService) Subscribe(ctx context.Context, userID string, handler pubsub.Handler) (pubsub.Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.ErrUnauthorized
	}
	return s.broker.Subscribe(ensureContext(ctx), UserTopic(userID), handler)
}

func muted(p Preferences, kind string) bool {
	switch kind {
	case NotificationIncomingCall:
		return !p.CallAlerts
	case NotificationMessage:
		return !p.MessageAlerts
	default:
		return false
	}
}
