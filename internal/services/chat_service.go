package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mossy-p/campus-signaling/internal/models"
	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/logger"
)

const (
	chatCacheTTL = 24 * time.Hour
	presenceTTL  = 24 * time.Hour
)

// ChatService answers "who may signal on this chat" and tracks who is currently connected.
// Redis is optional: without it lookups go straight to the database and presence is kept in memory.
type ChatService struct {
	db    *gorm.DB
	redis *redis.Client
	log   *zap.Logger

	local *localPresence
}

func NewChatService(db *gorm.DB, client *redis.Client) (*ChatService, error) {
	if db == nil {
		return nil, errors.New("chat service: db is required")
	}
	return &ChatService{
		db:    db,
		redis: client,
		log:   logger.WithModule("chats"),
		local: newLocalPresence(),
	}, nil
}

// Create returns the chat between creatorID and peerID, creating it on first use.
func (s *ChatService) Create(ctx context.Context, creatorID, peerID string) (*models.Chat, error) {
	ctx = ensureContext(ctx)
	creatorID, peerID = strings.TrimSpace(creatorID), strings.TrimSpace(peerID)
	if creatorID == "" || peerID == "" {
		return nil, apperrors.NewBadRequest("both participants are required")
	}
	if creatorID == peerID {
		return nil, apperrors.NewBadRequest("cannot open a chat with yourself")
	}

	a, b := creatorID, peerID
	if b < a {
		a, b = b, a
	}

	chat := models.Chat{ParticipantA: a, ParticipantB: b, CreatorID: creatorID}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&chat).Error
	if err != nil {
		return nil, fmt.Errorf("chat service: create chat: %w", err)
	}

	var stored models.Chat
	err = s.db.WithContext(ctx).
		Where("participant_a = ? AND participant_b = ?", a, b).
		First(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("chat service: load chat: %w", err)
	}
	return &stored, nil
}

// Get returns a chat the caller is a member of.
func (s *ChatService) Get(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	chat, err := s.lookup(ensureContext(ctx), chatID)
	if err != nil {
		return nil, err
	}
	if _, ok := chat.Other(userID); !ok {
		return nil, apperrors.ErrForbidden
	}
	return chat, nil
}

// Participants returns both members of chatID.
func (s *ChatService) Participants(ctx context.Context, chatID string) ([2]string, error) {
	chat, err := s.lookup(ensureContext(ctx), chatID)
	if err != nil {
		return [2]string{}, err
	}
	return chat.Participants(), nil
}

// PeerOf returns the other member of chatID, or ErrForbidden when userID is not a member.
func (s *ChatService) PeerOf(ctx context.Context, chatID, userID string) (string, error) {
	chat, err := s.lookup(ensureContext(ctx), chatID)
	if err != nil {
		return "", err
	}
	peer, ok := chat.Other(userID)
	if !ok {
		return "", apperrors.ErrForbidden
	}
	return peer, nil
}

// Delete removes the chat. Only members may delete it.
func (s *ChatService) Delete(ctx context.Context, userID, chatID string) error {
	ctx = ensureContext(ctx)
	if _, err := s.Get(ctx, userID, chatID); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(&models.Chat{}, "id = ?", chatID).Error; err != nil {
		return fmt.Errorf("chat service: delete chat: %w", err)
	}
	if s.redis != nil {
		s.redis.Del(ctx, chatCacheKey(chatID), presenceKey(chatID))
	}
	s.local.clear(chatID)
	return nil
}

func (s *ChatService) lookup(ctx context.Context, chatID string) (*models.Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, apperrors.NewBadRequest("chat id is required")
	}

	if s.redis != nil {
		data, err := s.redis.Get(ctx, chatCacheKey(chatID)).Bytes()
		if err == nil {
			var chat models.Chat
			if jsonErr := json.Unmarshal(data, &chat); jsonErr == nil {
				return &chat, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.log.Warn("chat cache read failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}

	var chat models.Chat
	if err := s.db.WithContext(ctx).Where("id = ?", chatID).First(&chat).Error; err != nil {
		return nil, notFoundOr(err, func(err error) error {
			return fmt.Errorf("chat service: load chat: %w", err)
		})
	}

	if s.redis != nil {
		if data, err := json.Marshal(chat); err == nil {
			if err := s.redis.Set(ctx, chatCacheKey(chatID), data, chatCacheTTL).Err(); err != nil {
				s.log.Warn("chat cache write failed", zap.String("chat_id", chatID), zap.Error(err))
			}
		}
	}
	return &chat, nil
}

// MarkOnline records that userID holds a signaling connection on chatID.
func (s *ChatService) MarkOnline(ctx context.Context, chatID, userID string) {
	ctx = ensureContext(ctx)
	if s.redis == nil {
		s.local.add(chatID, userID)
		return
	}
	pipe := s.redis.TxPipeline()
	pipe.HIncrBy(ctx, presenceKey(chatID), userID, 1)
	pipe.Expire(ctx, presenceKey(chatID), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("presence update failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// releasePresence drops one connection of a user and removes the field at zero.
var releasePresence = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
end
return n
`)

// MarkOffline reverses one MarkOnline. The user stays online while other connections remain.
func (s *ChatService) MarkOffline(ctx context.Context, chatID, userID string) {
	ctx = ensureContext(ctx)
	if s.redis == nil {
		s.local.remove(chatID, userID)
		return
	}
	if err := releasePresence.Run(ctx, s.redis, []string{presenceKey(chatID)}, userID).Err(); err != nil {
		s.log.Warn("presence removal failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// Online lists who is connected to chatID's signaling channel.
func (s *ChatService) Online(ctx context.Context, chatID string) ([]string, error) {
	ctx = ensureContext(ctx)
	if s.redis == nil {
		return s.local.members(chatID), nil
	}
	counts, err := s.redis.HGetAll(ctx, presenceKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("chat service: read presence: %w", err)
	}
	members := make([]string, 0, len(counts))
	for user, raw := range counts {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			members = append(members, user)
		}
	}
	sort.Strings(members)
	return members, nil
}

// SweepPresence drops presence hashes whose chat no longer exists. It returns how many were removed.
func (s *ChatService) SweepPresence(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)
	if s.redis == nil {
		return 0, nil
	}

	removed := 0
	iter := s.redis.Scan(ctx, 0, presenceKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		chatID := strings.TrimSuffix(strings.TrimPrefix(key, "chat:"), ":online")

		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Chat{}).Where("id = ?", chatID).Count(&count).Error; err != nil {
			return removed, fmt.Errorf("chat service: sweep presence: %w", err)
		}
		if count == 0 {
			if err := s.redis.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("chat service: sweep presence: %w", err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("chat service: sweep presence: %w", err)
	}
	return removed, nil
}

func chatCacheKey(chatID string) string { return "chat:" + chatID }
func presenceKey(chatID string) string  { return "chat:" + chatID + ":online" }
