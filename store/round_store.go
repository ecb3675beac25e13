package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jackpot-round-system/models"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStaleRound means the current slot changed since it was read.
	ErrStaleRound = errors.New("current round changed since it was read")
	// ErrRoundAlreadyClosed means another writer closed the round first.
	ErrRoundAlreadyClosed = errors.New("round already closed")
	// ErrDuplicateSubmission means a submission id in the round is already
	// recorded against another round.
	ErrDuplicateSubmission = errors.New("submission id already recorded in another round")
	ErrNotFound            = errors.New("record not found")
)

// RoundStore is the durable mirror of round state. It holds no game rules:
// every write is either insert-if-absent or a versioned compare-and-swap so
// concurrent engines converge instead of overwriting each other.
type RoundStore struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewRoundStore(db *gorm.DB, logger zerolog.Logger) *RoundStore {
	return &RoundStore{
		db:  db,
		log: logger.With().Str("component", "store").Logger(),
	}
}

func encodeRound(r *models.Round) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode round %s: %w", r.RoundID, err)
	}
	return string(b), nil
}

func decodeRound(payload string) (*models.Round, error) {
	var r models.Round
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, err
	}
	if r.RoundID == "" || r.EndTime.IsZero() {
		return nil, errors.New("round payload missing id or end time")
	}
	if r.Submissions == nil {
		r.Submissions = []models.Submission{}
	}
	return &r, nil
}

// LoadCurrent returns the open round, or nil when there is none. An
// unreadable payload is logged and treated as absent.
func (s *RoundStore) LoadCurrent(ctx context.Context) (*models.Round, error) {
	var rec models.CurrentRoundRecord
	err := s.db.WithContext(ctx).Where("slot = ?", models.CurrentRoundSlot).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current round: %w", err)
	}

	round, err := decodeRound(rec.Payload)
	if err == nil && round.RoundID != rec.RoundID {
		err = fmt.Errorf("payload round %s does not match row %s", round.RoundID, rec.RoundID)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("round_id", rec.RoundID).Msg("current round unreadable, treating as absent")
		return nil, nil
	}
	round.Version = rec.Version
	return round, nil
}

// CreateCurrent stores round as the current round unless a readable one is
// already there. A corrupt slot is taken over. Reports whether round was stored.
func (s *RoundStore) CreateCurrent(ctx context.Context, round *models.Round) (bool, error) {
	payload, err := encodeRound(round)
	if err != nil {
		return false, err
	}

	db := s.db.WithContext(ctx)
	rec := models.CurrentRoundRecord{
		Slot:    models.CurrentRoundSlot,
		RoundID: round.RoundID,
		Version: 1,
		Payload: payload,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("create current round: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		round.Version = 1
		return true, nil
	}

	var existing models.CurrentRoundRecord
	err = db.Where("slot = ?", models.CurrentRoundSlot).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// closed between our insert and this read; caller retries
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect current round: %w", err)
	}
	if r, derr := decodeRound(existing.Payload); derr == nil && r.RoundID == existing.RoundID {
		return false, nil
	}

	res = db.Model(&models.CurrentRoundRecord{}).
		Where("slot = ? AND version = ?", models.CurrentRoundSlot, existing.Version).
		Updates(map[string]any{
			"round_id": round.RoundID,
			"version":  existing.Version + 1,
			"payload":  payload,
		})
	if res.Error != nil {
		return false, fmt.Errorf("replace corrupt current round: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.log.Warn().Str("corrupt_round_id", existing.RoundID).Str("round_id", round.RoundID).
		Msg("replaced unreadable current round")
	round.Version = existing.Version + 1
	return true, nil
}

// SaveCurrent writes round back if the slot still holds the version it was
// read at. Returns ErrStaleRound otherwise. Submission ids are indexed in the
// same transaction; an id owned by another round fails the write with
// ErrDuplicateSubmission.
func (s *RoundStore) SaveCurrent(ctx context.Context, round *models.Round) error {
	payload, err := encodeRound(round)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CurrentRoundRecord{}).
			Where("slot = ? AND round_id = ? AND version = ?", models.CurrentRoundSlot, round.RoundID, round.Version).
			Updates(map[string]any{
				"version": round.Version + 1,
				"payload": payload,
			})
		if res.Error != nil {
			return fmt.Errorf("save current round %s: %w", round.RoundID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStaleRound
		}
		return indexSubmissions(tx, round)
	})
	if err != nil {
		return err
	}
	round.Version++
	return nil
}

const submissionBatch = 500

func indexSubmissions(tx *gorm.DB, round *models.Round) error {
	if len(round.Submissions) == 0 {
		return nil
	}
	ids := make(map[string]struct{}, len(round.Submissions))
	recs := make([]models.SubmissionRecord, 0, len(round.Submissions))
	for _, sub := range round.Submissions {
		if _, ok := ids[sub.ID]; ok {
			continue
		}
		ids[sub.ID] = struct{}{}
		recs = append(recs, models.SubmissionRecord{SubmissionID: sub.ID, RoundID: round.RoundID})
	}
	for start := 0; start < len(recs); start += submissionBatch {
		chunk := recs[start:min(start+submissionBatch, len(recs))]
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunk).Error; err != nil {
			return fmt.Errorf("index submissions of %s: %w", round.RoundID, err)
		}
	}

	// ids that already belonged to another round were skipped above
	var owned int64
	if err := tx.Model(&models.SubmissionRecord{}).Where("round_id = ?", round.RoundID).Count(&owned).Error; err != nil {
		return fmt.Errorf("count submissions of %s: %w", round.RoundID, err)
	}
	if owned != int64(len(ids)) {
		return ErrDuplicateSubmission
	}
	return nil
}

// CloseRound removes round from the current slot, archives it and records its
// settlement in one transaction. Only one caller can win this for a given
// round: the others get ErrRoundAlreadyClosed, or ErrStaleRound when the round
// is still open but was modified after they read it.
func (s *RoundStore) CloseRound(ctx context.Context, round *models.Round, settlement *models.Settlement) error {
	if round.ClosedAt == nil {
		return fmt.Errorf("close round %s: closed_at not set", round.RoundID)
	}
	payload, err := encodeRound(round)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("slot = ? AND round_id = ? AND version = ?", models.CurrentRoundSlot, round.RoundID, round.Version).
			Delete(&models.CurrentRoundRecord{})
		if res.Error != nil {
			return fmt.Errorf("clear current round: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.CurrentRoundRecord{}).
				Where("slot = ? AND round_id = ?", models.CurrentRoundSlot, round.RoundID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("inspect current round: %w", err)
			}
			if count > 0 {
				return ErrStaleRound
			}
			return ErrRoundAlreadyClosed
		}

		hist := models.RoundHistoryRecord{
			RoundID:  round.RoundID,
			ClosedAt: round.ClosedAt.UTC(),
			Payload:  payload,
		}
		if round.Winner != nil {
			hist.WinnerPlayer = round.Winner.Player
			hist.WinType = round.Winner.WinType
		}
		if err := tx.Create(&hist).Error; err != nil {
			return fmt.Errorf("archive round %s: %w", round.RoundID, err)
		}

		if settlement != nil {
			if err := tx.Create(settlement).Error; err != nil {
				return fmt.Errorf("record settlement for %s: %w", round.RoundID, err)
			}
		}

		keep := tx.Model(&models.RoundHistoryRecord{}).
			Select("round_id").
			Order("closed_at DESC, round_id DESC").
			Limit(models.HistoryLimit)
		if err := tx.Where("round_id NOT IN (?)", keep).Delete(&models.RoundHistoryRecord{}).Error; err != nil {
			return fmt.Errorf("trim round history: %w", err)
		}

		// submission ids are remembered for as long as their round is visible
		archived := tx.Model(&models.RoundHistoryRecord{}).Select("round_id")
		current := tx.Model(&models.CurrentRoundRecord{}).Select("round_id")
		if err := tx.Where("round_id NOT IN (?) AND round_id NOT IN (?)", archived, current).
			Delete(&models.SubmissionRecord{}).Error; err != nil {
			return fmt.Errorf("trim submission index: %w", err)
		}
		return nil
	})
}

// SubmissionRound returns the id of the round that recorded submissionID.
func (s *RoundStore) SubmissionRound(ctx context.Context, submissionID string) (string, error) {
	var rec models.SubmissionRecord
	err := s.db.WithContext(ctx).Where("submission_id = ?", submissionID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("look up submission %s: %w", submissionID, err)
	}
	return rec.RoundID, nil
}

// ArchivedRound returns one round from history.
func (s *RoundStore) ArchivedRound(ctx context.Context, roundID string) (*models.Round, error) {
	var rec models.RoundHistoryRecord
	err := s.db.WithContext(ctx).Where("round_id = ?", roundID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load archived round %s: %w", roundID, err)
	}
	r, err := decodeRound(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode archived round %s: %w", roundID, err)
	}
	return r, nil
}

// History returns up to limit archived rounds, newest first.
func (s *RoundStore) History(ctx context.Context, limit int) ([]models.Round, error) {
	if limit <= 0 || limit > models.HistoryLimit {
		limit = models.HistoryLimit
	}
	var recs []models.RoundHistoryRecord
	if err := s.db.WithContext(ctx).
		Order("closed_at DESC, round_id DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load round history: %w", err)
	}

	rounds := make([]models.Round, 0, len(recs))
	for _, rec := range recs {
		r, err := decodeRound(rec.Payload)
		if err != nil {
			s.log.Warn().Err(err).Str("round_id", rec.RoundID).Msg("skipping unreadable history entry")
			continue
		}
		rounds = append(rounds, *r)
	}
	return rounds, nil
}

func (s *RoundStore) Settlement(ctx context.Context, roundID string) (*models.Settlement, error) {
	var st models.Settlement
	err := s.db.WithContext(ctx).Where("round_id = ?", roundID).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load settlement for %s: %w", roundID, err)
	}
	return &st, nil
}

func (s *RoundStore) UpdateSettlement(ctx context.Context, st *models.Settlement) error {
	if err := s.db.WithContext(ctx).Save(st).Error; err != nil {
		return fmt.Errorf("update settlement %s: %w", st.ID, err)
	}
	return nil
}

// UnconfirmedSettlements lists accepted transfers plus pending ones created
// before pendingBefore, oldest first.
func (s *RoundStore) UnconfirmedSettlements(ctx context.Context, pendingBefore time.Time, limit int) ([]models.Settlement, error) {
	var out []models.Settlement
	err := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND created_at < ?)",
			models.SettlementAccepted, models.SettlementPending, pendingBefore.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed settlements: %w", err)
	}
	return out, nil
}
