package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mossy-p/campus-signaling/internal/models"
	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/logger"
	"github.com/mossy-p/campus-signaling/pkg/metrics"
	"github.com/mossy-p/campus-signaling/pkg/validator"
)

const (
	defaultCallListLimit = 50
	maxCallListLimit     = 200
	recordRetryDelay     = 250 * time.Millisecond
)

// RecordCallInput describes a finished call from the point of view of ParticipantID.
type RecordCallInput struct {
	ParticipantID   string            `json:"participantId" validate:"required,max=64"`
	PeerID          string            `json:"peerId" validate:"required,max=64,nefield=ParticipantID"`
	ChatID          string            `json:"chatId" validate:"max=64"`
	CallType        models.CallType   `json:"callType" validate:"required,oneof=audio video"`
	Status          models.CallStatus `json:"status" validate:"required,oneof=answered missed declined"`
	StartedAt       time.Time         `json:"startedAt" validate:"required"`
	DurationSeconds *int              `json:"durationSeconds" validate:"omitempty,min=0"`
}

// ListCallsInput selects a participant's history. MostRecentPerPeer collapses the listing to the
// newest record per (chat, peer) pair.
type ListCallsInput struct {
	ParticipantID     string
	MostRecentPerPeer bool
	Limit             int
}

// CallHistoryService stores per-participant call history.
type CallHistoryService struct {
	db         *gorm.DB
	log        *zap.Logger
	retryDelay time.Duration
}

func NewCallHistoryService(db *gorm.DB) (*CallHistoryService, error) {
	if db == nil {
		return nil, errors.New("call history service: db is required")
	}
	return &CallHistoryService{
		db:         db,
		log:        logger.WithModule("calls"),
		retryDelay: recordRetryDelay,
	}, nil
}

// Record writes one history row and returns its id. A failed write is retried once.
func (s *CallHistoryService) Record(ctx context.Context, input RecordCallInput) (string, error) {
	ctx = ensureContext(ctx)
	record, err := buildCallRecord(input)
	if err != nil {
		return "", err
	}

	if err := s.write(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// RecordForParticipants writes the caller's row and the mirrored row owned by the peer.
// Both rows are committed together or not at all.
func (s *CallHistoryService) RecordForParticipants(ctx context.Context, input RecordCallInput) ([]string, error) {
	ctx = ensureContext(ctx)
	mirrored := input
	mirrored.ParticipantID, mirrored.PeerID = input.PeerID, input.ParticipantID

	records := make([]*models.CallRecord, 0, 2)
	for _, in := range []RecordCallInput{input, mirrored} {
		record, err := buildCallRecord(in)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := s.write(ctx, records...); err != nil {
		return nil, err
	}
	return []string{records[0].ID, records[1].ID}, nil
}

// write inserts records in one transaction, retrying the transaction once.
func (s *CallHistoryService) write(ctx context.Context, records ...*models.CallRecord) error {
	err := s.insert(ctx, records)
	if err != nil {
		s.log.Warn("call record write failed, retrying once", zap.Error(err))
		select {
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		case <-time.After(s.retryDelay):
			err = s.insert(ctx, records)
		}
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	for _, record := range records {
		metrics.CallRecords.WithLabelValues(string(record.Status), result).Inc()
	}
	if err != nil {
		s.log.Error("dropping call record after retry",
			zap.String("participant_id", records[0].ParticipantID),
			zap.String("peer_id", records[0].PeerID),
			zap.String("status", string(records[0].Status)),
			zap.Int("rows", len(records)),
			zap.Error(err),
		)
		return fmt.Errorf("call history service: record call: %w", err)
	}
	return nil
}

func (s *CallHistoryService) insert(ctx context.Context, records []*models.CallRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			if err := tx.Create(record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func buildCallRecord(input RecordCallInput) (*models.CallRecord, error) {
	input.ParticipantID = strings.TrimSpace(input.ParticipantID)
	input.PeerID = strings.TrimSpace(input.PeerID)
	input.ChatID = strings.TrimSpace(input.ChatID)

	if err := validator.Struct(input); err != nil {
		return nil, apperrors.NewBadRequest(err.Error())
	}
	if input.DurationSeconds != nil && input.Status != models.CallStatusAnswered {
		return nil, apperrors.NewBadRequest("durationSeconds is only recorded for answered calls")
	}

	record := &models.CallRecord{
		ParticipantID: input.ParticipantID,
		PeerID:        input.PeerID,
		CallType:      input.CallType,
		Status:        input.Status,
		StartedAt:     input.StartedAt.UTC(),
	}
	if input.ChatID != "" {
		chatID := input.ChatID
		record.ChatID = &chatID
	}
	if input.DurationSeconds != nil {
		seconds := *input.DurationSeconds
		record.DurationSeconds = &seconds
	}
	return record, nil
}

// List returns the participant's history, newest first.
func (s *CallHistoryService) List(ctx context.Context, input ListCallsInput) ([]models.CallRecord, error) {
	ctx = ensureContext(ctx)
	participantID := strings.TrimSpace(input.ParticipantID)
	if participantID == "" {
		return nil, apperrors.NewBadRequest("participant id is required")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultCallListLimit
	}
	if limit > maxCallListLimit {
		limit = maxCallListLimit
	}

	query := s.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order("started_at DESC").
		Order("created_at DESC")
	if !input.MostRecentPerPeer {
		query = query.Limit(limit)
	}

	var rows []models.CallRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("call history service: list calls: %w", err)
	}

	if input.MostRecentPerPeer {
		rows = mostRecentPerPeer(rows)
		if len(rows) > limit {
			rows = rows[:limit]
		}
	}
	return rows, nil
}

// mostRecentPerPeer keeps the first row of every (chat, peer) pair. rows must be newest first.
func mostRecentPerPeer(rows []models.CallRecord) []models.CallRecord {
	type pair struct{ chat, peer string }
	seen := make(map[pair]struct{}, len(rows))
	out := rows[:0]
	for _, row := range rows {
		key := pair{peer: row.PeerID}
		if row.ChatID != nil {
			key.chat = *row.ChatID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

// Get returns one record owned by participantID.
func (s *CallHistoryService) Get(ctx context.Context, participantID, id string) (*models.CallRecord, error) {
	ctx = ensureContext(ctx)
	var record models.CallRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND participant_id = ?", strings.TrimSpace(id), participantID).
		First(&record).Error
	if err != nil {
		return nil, notFoundOr(err, func(err error) error {
			return fmt.Errorf("call history service: get call: %w", err)
		})
	}
	return &record, nil
}

// Delete removes one of participantID's records. The peer's copy is untouched.
func (s *CallHistoryService) Delete(ctx context.Context, participantID, id string) error {
	ctx = ensureContext(ctx)
	result := s.db.WithContext(ctx).
		Where("id = ? AND participant_id = ?", strings.TrimSpace(id), participantID).
		Delete(&models.CallRecord{})
	if result.Error != nil {
		return fmt.Errorf("call history service: delete call: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// DeleteAll clears participantID's history and reports how many rows were removed.
func (s *CallHistoryService) DeleteAll(ctx context.Context, participantID string) (int64, error) {
	ctx = ensureContext(ctx)
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return 0, apperrors.NewBadRequest("participant id is required")
	}

	result := s.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Delete(&models.CallRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("call history service: delete all calls: %w", result.Error)
	}
	return result.RowsAffected, nil
}
