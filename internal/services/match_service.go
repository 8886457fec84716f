package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/models"
	apperrors "github.com/dcastella/matcha/pkg/errors"
	"github.com/dcastella/matcha/pkg/logger"
	"github.com/dcastella/matcha/pkg/metrics"
)

// MatchAction is the client-facing like/pass verb.
type MatchAction string

const (
	MatchActionLike MatchAction = "like"
	MatchActionPass MatchAction = "pass"
)

// preferenceScore is the fixed default preference signal. Placeholder
// arithmetic kept for compatibility with existing data.
const preferenceScore = 50

// MatchDTO is the API-facing match shape.
type MatchDTO struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	TargetUserID string             `json:"target_user_id"`
	Status       models.MatchStatus `json:"status"`
	IsSuperLike  bool               `json:"is_super_like"`
	CompatScore  int                `json:"compat_score"`
	IsRead       bool               `json:"is_read"`
	CreatedAt    time.Time          `json:"created_at"`
	Peer         *UserDTO           `json:"peer,omitempty"`
}

// PotentialMatchDTO pairs a candidate profile with its compatibility score.
type PotentialMatchDTO struct {
	User        UserDTO `json:"user"`
	CompatScore int     `json:"compat_score"`
}

// MatchActionResult reports the outcome of a like/pass action.
type MatchActionResult struct {
	Match  MatchDTO `json:"match"`
	Mutual bool     `json:"mutual"`
}

// MatchService runs the like/pass state machine and mutual-match detection.
type MatchService struct {
	db         *gorm.DB
	dispatcher *NotificationService
	pairMu     *keyedMutex
	log        *zap.Logger
}

// NewMatchService constructs the match engine. The dispatcher is optional.
func NewMatchService(db *gorm.DB, dispatcher *NotificationService) (*MatchService, error) {
	if db == nil {
		return nil, errors.New("match service: db is required")
	}
	return &MatchService{
		db:         db,
		dispatcher: dispatcher,
		pairMu:     newKeyedMutex(),
		log:        logger.WithModule("match"),
	}, nil
}

// Act records a like or pass from userID toward targetID. A second action on
// the same directed pair fails with a conflict. When a reciprocal pending
// like exists, both rows flip to matched inside one transaction; the per-pair
// critical section prevents two concurrent likes from racing the flip.
func (s *MatchService) Act(ctx context.Context, userID, targetID string, action MatchAction, isSuperLike bool) (*MatchActionResult, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	targetID = strings.TrimSpace(targetID)

	if action != MatchActionLike && action != MatchActionPass {
		return nil, apperrors.NewValidation("action must be like or pass")
	}
	if userID == "" || targetID == "" {
		return nil, apperrors.NewValidation("target user is required")
	}
	if userID == targetID {
		return nil, apperrors.NewValidation("cannot act on yourself")
	}

	var actor, target models.User
	if err := s.db.WithContext(ctx).Take(&actor, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("user not found")
		}
		return nil, fmt.Errorf("match service: load actor: %w", err)
	}
	if err := s.db.WithContext(ctx).Take(&target, "id = ?", targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("target user not found")
		}
		return nil, fmt.Errorf("match service: load target: %w", err)
	}

	score := Compatibility(&actor, &target)

	unlock := s.pairMu.Lock(pairKey(userID, targetID))
	defer unlock()

	var existing models.Match
	err := s.db.WithContext(ctx).
		Take(&existing, "user_id = ? AND target_user_id = ?", userID, targetID).Error
	if err == nil {
		metrics.MatchActions.WithLabelValues("conflict").Inc()
		return nil, apperrors.NewConflict("you already acted on this user")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("match service: lookup existing action: %w", err)
	}

	match := models.Match{
		UserID:       userID,
		TargetUserID: targetID,
		IsSuperLike:  isSuperLike && action == MatchActionLike,
		CompatScore:  score,
	}

	mutual := false
	if action == MatchActionPass {
		match.Status = models.MatchStatusRejected
		if err := s.db.WithContext(ctx).Create(&match).Error; err != nil {
			if isUniqueConstraintError(err) {
				metrics.MatchActions.WithLabelValues("conflict").Inc()
				return nil, apperrors.NewConflict("you already acted on this user")
			}
			return nil, fmt.Errorf("match service: create pass: %w", err)
		}
	} else {
		var reciprocal models.Match
		err := s.db.WithContext(ctx).
			Take(&reciprocal, "user_id = ? AND target_user_id = ? AND status = ?",
				targetID, userID, models.MatchStatusPending).Error
		switch {
		case err == nil:
			mutual = true
			match.Status = models.MatchStatusMatched
			err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := tx.Create(&match).Error; err != nil {
					return err
				}
				return tx.Model(&models.Match{}).
					Where("id = ?", reciprocal.ID).
					Update("status", models.MatchStatusMatched).Error
			})
			if err != nil {
				if isUniqueConstraintError(err) {
					metrics.MatchActions.WithLabelValues("conflict").Inc()
					return nil, apperrors.NewConflict("you already acted on this user")
				}
				return nil, fmt.Errorf("match service: flip mutual match: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			match.Status = models.MatchStatusPending
			if err := s.db.WithContext(ctx).Create(&match).Error; err != nil {
				if isUniqueConstraintError(err) {
					metrics.MatchActions.WithLabelValues("conflict").Inc()
					return nil, apperrors.NewConflict("you already acted on this user")
				}
				return nil, fmt.Errorf("match service: create like: %w", err)
			}
		default:
			return nil, fmt.Errorf("match service: lookup reciprocal: %w", err)
		}
	}

	metrics.MatchActions.WithLabelValues(string(match.Status)).Inc()
	s.notifyAction(ctx, &actor, &target, &match, mutual)

	dto := mapMatch(match)
	targetDTO := mapUser(target)
	dto.Peer = &targetDTO
	return &MatchActionResult{Match: dto, Mutual: mutual}, nil
}

// Potentials lists active users the requester has not interacted with,
// ranked by compatibility score descending.
func (s *MatchService) Potentials(ctx context.Context, userID string, page, limit int) ([]PotentialMatchDTO, error) {
	ctx = ensureContext(ctx)
	page, limit = clampPage(page, limit, 20, 100)

	var actor models.User
	if err := s.db.WithContext(ctx).Take(&actor, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("user not found")
		}
		return nil, fmt.Errorf("match service: load user: %w", err)
	}

	var candidates []models.User
	if err := s.db.WithContext(ctx).
		Where("id <> ? AND is_active = ?", userID, true).
		Where("id NOT IN (?)", s.db.Model(&models.Match{}).
			Select("target_user_id").Where("user_id = ?", userID)).
		Where("id NOT IN (?)", s.db.Model(&models.Match{}).
			Select("user_id").Where("target_user_id = ?", userID)).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("match service: load candidates: %w", err)
	}

	scored := make([]PotentialMatchDTO, 0, len(candidates))
	for _, candidate := range candidates {
		scored = append(scored, PotentialMatchDTO{
			User:        mapUser(candidate),
			CompatScore: Compatibility(&actor, &candidate),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].CompatScore > scored[j].CompatScore
	})

	start := (page - 1) * limit
	if start >= len(scored) {
		return []PotentialMatchDTO{}, nil
	}
	end := start + limit
	if end > len(scored) {
		end = len(scored)
	}
	return scored[start:end], nil
}

// ListMutual returns the requester's matched rows, one per peer.
func (s *MatchService) ListMutual(ctx context.Context, userID string, page, limit int) ([]MatchDTO, error) {
	ctx = ensureContext(ctx)
	page, limit = clampPage(page, limit, 20, 100)

	var rows []models.Match
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.MatchStatusMatched).
		Order("updated_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("match service: list mutual: %w", err)
	}

	return s.withPeers(ctx, userID, rows)
}

// ListReceivedLikes returns pending likes aimed at the requester.
func (s *MatchService) ListReceivedLikes(ctx context.Context, userID string, page, limit int) ([]MatchDTO, error) {
	ctx = ensureContext(ctx)
	page, limit = clampPage(page, limit, 20, 100)

	var rows []models.Match
	if err := s.db.WithContext(ctx).
		Where("target_user_id = ? AND status = ?", userID, models.MatchStatusPending).
		Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("match service: list received likes: %w", err)
	}

	return s.withPeers(ctx, userID, rows)
}

// MarkRead marks the requester's side of a match as seen.
func (s *MatchService) MarkRead(ctx context.Context, userID, matchID string) error {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Model(&models.Match{}).
		Where("id = ? AND (user_id = ? OR target_user_id = ?)", matchID, userID, userID).
		Update("is_read", true)
	if result.Error != nil {
		return fmt.Errorf("match service: mark read: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("match not found")
	}
	return nil
}

// Compatibility computes the compatibility score between two users: the
// unweighted mean of interest overlap, a coarse location signal, and the
// fixed preference signal, rounded into [0,100]. The arithmetic is reproduced
// exactly for compatibility with existing data.
func Compatibility(a, b *models.User) int {
	interestsA := a.InterestList()
	interestsB := b.InterestList()

	interestScore := 0.0
	if len(interestsA) > 0 {
		shared := 0
		theirs := make(map[string]struct{}, len(interestsB))
		for _, interest := range interestsB {
			theirs[strings.ToLower(strings.TrimSpace(interest))] = struct{}{}
		}
		for _, interest := range interestsA {
			if _, ok := theirs[strings.ToLower(strings.TrimSpace(interest))]; ok {
				shared++
			}
		}
		interestScore = 100 * float64(shared) / float64(len(interestsA))
	}

	locationScore := 0.0
	if a.Location != "" && strings.EqualFold(a.Location, b.Location) {
		locationScore = 100
	}

	overall := math.Round((interestScore + locationScore + preferenceScore) / 3)
	if overall < 0 {
		overall = 0
	}
	if overall > 100 {
		overall = 100
	}
	return int(overall)
}

func (s *MatchService) withPeers(ctx context.Context, userID string, rows []models.Match) ([]MatchDTO, error) {
	items := make([]MatchDTO, 0, len(rows))
	for _, row := range rows {
		dto := mapMatch(row)
		peerID := row.TargetUserID
		if peerID == userID {
			peerID = row.UserID
		}
		var peer models.User
		if err := s.db.WithContext(ctx).Take(&peer, "id = ?", peerID).Error; err == nil {
			peerDTO := mapUser(peer)
			dto.Peer = &peerDTO
		}
		items = append(items, dto)
	}
	return items, nil
}

// notifyAction fires best-effort notifications after a persisted action.
func (s *MatchService) notifyAction(ctx context.Context, actor, target *models.User, match *models.Match, mutual bool) {
	if s.dispatcher == nil {
		return
	}

	dispatch := func(input DispatchInput) {
		if _, err := s.dispatcher.Dispatch(ctx, input); err != nil {
			s.log.Warn("match notification failed",
				zap.String("match_id", match.ID), zap.Error(err))
		}
	}

	if mutual {
		payload := map[string]any{"match_id": match.ID}
		dispatch(DispatchInput{
			UserID:    target.ID,
			SenderID:  actor.ID,
			Type:      models.NotificationTypeNewMatch,
			Title:     "It's a match!",
			Body:      fmt.Sprintf("You and %s liked each other", actor.DisplayName),
			Payload:   payload,
			ActionURL: "/matches/" + match.ID,
		})
		dispatch(DispatchInput{
			UserID:    actor.ID,
			SenderID:  target.ID,
			Type:      models.NotificationTypeNewMatch,
			Title:     "It's a match!",
			Body:      fmt.Sprintf("You and %s liked each other", target.DisplayName),
			Payload:   payload,
			ActionURL: "/matches/" + match.ID,
		})
		return
	}

	if match.Status == models.MatchStatusPending {
		notificationType := models.NotificationTypeNewLike
		title := "Someone likes you"
		if match.IsSuperLike {
			notificationType = models.NotificationTypeSuperLike
			title = "You received a super like"
		}
		dispatch(DispatchInput{
			UserID:    target.ID,
			SenderID:  actor.ID,
			Type:      notificationType,
			Title:     title,
			Body:      fmt.Sprintf("%s liked your profile", actor.DisplayName),
			Payload:   map[string]any{"match_id": match.ID},
			ActionURL: "/likes",
		})
	}
}

func mapMatch(row models.Match) MatchDTO {
	return MatchDTO{
		ID:           row.ID,
		UserID:       row.UserID,
		TargetUserID: row.TargetUserID,
		Status:       row.Status,
		IsSuperLike:  row.IsSuperLike,
		CompatScore:  row.CompatScore,
		IsRead:       row.IsRead,
		CreatedAt:    row.CreatedAt,
	}
}
