package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"sphere-arena/models"
)

// PaymentVerifier is what the registration flow needs from the
// verification pipeline.
type PaymentVerifier interface {
	Verify(ctx context.Context, chain, txHash, senderWallet string) (bool, string, error)
}

// errWalletCapReached aborts the confirm transaction when the wallet would
// exceed its per-round entry limit.
var errWalletCapReached = errors.New("wallet has reached the entry limit for this round")

// RegistrationService owns the join flow: a paid registration goes in as
// PENDING and transitions exactly once to CONFIRMED or FAILED.
type RegistrationService struct {
	DB       *gorm.DB
	Verifier PaymentVerifier
}

func NewRegistrationService(db *gorm.DB, verifier PaymentVerifier) *RegistrationService {
	return &RegistrationService{DB: db, Verifier: verifier}
}

type joinRequest struct {
	Username      string `json:"username"`
	WalletAddress string `json:"wallet_address"`
	Chain         string `json:"chain"`
	TxHash        string `json:"tx_hash"`
}

// Join registers a participant for the next scheduled round.
func (s *RegistrationService) Join(c *fiber.Ctx) error {
	var req joinRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	req.Username = strings.TrimSpace(req.Username)
	req.WalletAddress = strings.TrimSpace(req.WalletAddress)
	req.Chain = strings.ToUpper(strings.TrimSpace(req.Chain))
	req.TxHash = strings.TrimSpace(req.TxHash)

	if err := validateJoin(req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	var schedule models.Schedule
	if err := s.DB.First(&schedule).Error; err != nil || schedule.NextMatchAt == nil || schedule.NextGameID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "no upcoming match to join"})
	}
	gameID := schedule.NextGameID

	normalized := NormalizeTxID(req.Chain, req.TxHash)

	// Idempotent resubmit: the same wallet retrying its own PENDING payment
	// re-runs verification instead of burning the tx.
	var existing models.Participant
	err := s.DB.Where("normalized_tx_id = ?", normalized).First(&existing).Error
	switch {
	case err == nil && existing.Status == models.ParticipantPending && existing.WalletAddress == req.WalletAddress:
		return s.verifyAndFinalize(c, &existing)
	case err == nil:
		// Replay prevention: one payment funds one registration, ever.
		return c.Status(409).JSON(fiber.Map{"error": "payment transaction already used"})
	case !errors.Is(err, gorm.ErrRecordNotFound):
		log.Printf("DB Error checking tx reuse: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "database error"})
	}

	var usernameTaken int64
	s.DB.Model(&models.Participant{}).
		Where("game_id = ? AND username_lower = ?", gameID, strings.ToLower(req.Username)).
		Count(&usernameTaken)
	if usernameTaken > 0 {
		return c.Status(409).JSON(fiber.Map{"error": "username already taken for this round"})
	}

	var confirmedForWallet int64
	s.DB.Model(&models.Participant{}).
		Where("game_id = ? AND wallet_address = ? AND status = ?", gameID, req.WalletAddress, models.ParticipantConfirmed).
		Count(&confirmedForWallet)
	if confirmedForWallet >= models.MaxConfirmedPerWallet {
		return c.Status(403).JSON(fiber.Map{"error": "wallet has reached the entry limit for this round"})
	}

	participant := models.Participant{
		GameID:         gameID,
		Username:       req.Username,
		UsernameLower:  strings.ToLower(req.Username),
		WalletAddress:  req.WalletAddress,
		Chain:          req.Chain,
		TxHash:         req.TxHash,
		NormalizedTxID: normalized,
		Status:         models.ParticipantPending,
		JoinedAt:       time.Now().UTC(),
	}
	if err := s.DB.Create(&participant).Error; err != nil {
		// Unique-index race on normalized_tx_id or username: someone beat us.
		log.Printf("DB Error creating participant: %v", err)
		return c.Status(409).JSON(fiber.Map{"error": "registration conflict, try again"})
	}

	return s.verifyAndFinalize(c, &participant)
}

func (s *RegistrationService) verifyAndFinalize(c *fiber.Ctx, p *models.Participant) error {
	ok, reason, err := s.Verifier.Verify(c.Context(), p.Chain, p.TxHash, p.WalletAddress)
	if err != nil {
		// Transient: all endpoints down. The row stays PENDING so the
		// client can resubmit the same tx once RPCs recover.
		log.Printf("⚠️  Verification unavailable for %s: %v", p.NormalizedTxID, err)
		return c.Status(503).JSON(fiber.Map{"error": "payment verification temporarily unavailable, retry shortly"})
	}

	if !ok {
		if reason == "" {
			reason = "payment verification failed"
		}
		if dbErr := s.DB.Model(p).Updates(map[string]interface{}{
			"status":      models.ParticipantFailed,
			"fail_reason": reason,
		}).Error; dbErr != nil {
			log.Printf("DB Error failing participant %s: %v", p.ID, dbErr)
		}
		log.Printf("❌ Registration rejected for %s (%s): %s", p.Username, p.NormalizedTxID, reason)
		return c.Status(402).JSON(fiber.Map{"error": "payment verification failed", "reason": reason})
	}

	if dbErr := s.confirm(p); dbErr != nil {
		if errors.Is(dbErr, errWalletCapReached) {
			reason := errWalletCapReached.Error()
			if failErr := s.DB.Model(p).Updates(map[string]interface{}{
				"status":      models.ParticipantFailed,
				"fail_reason": reason,
			}).Error; failErr != nil {
				log.Printf("DB Error failing capped participant %s: %v", p.ID, failErr)
			}
			return c.Status(403).JSON(fiber.Map{"error": reason})
		}
		log.Printf("DB Error confirming participant %s: %v", p.ID, dbErr)
		return c.Status(500).JSON(fiber.Map{"error": "database error"})
	}
	log.Printf("✅ Registration confirmed: %s (%s) for game %s", p.Username, p.Chain, p.GameID)

	return c.JSON(fiber.Map{
		"status":   models.ParticipantConfirmed,
		"game_id":  p.GameID,
		"username": p.Username,
	})
}

// confirm flips p to CONFIRMED and re-checks the wallet cap inside the
// same transaction, with the fresh row counted. The pre-insert count in
// Join is only a fast path: two concurrent joins can both pass it, so the
// binding check happens here where an overshoot rolls the flip back.
func (s *RegistrationService) confirm(p *models.Participant) error {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Participant{}).Where("id = ?", p.ID).
			Update("status", models.ParticipantConfirmed).Error; err != nil {
			return err
		}
		var confirmed int64
		if err := tx.Model(&models.Participant{}).
			Where("game_id = ? AND wallet_address = ? AND status = ?",
				p.GameID, p.WalletAddress, models.ParticipantConfirmed).
			Count(&confirmed).Error; err != nil {
			return err
		}
		if confirmed > models.MaxConfirmedPerWallet {
			return errWalletCapReached
		}
		return nil
	})
	if err == nil {
		p.Status = models.ParticipantConfirmed
	}
	return err
}

// Participants lists confirmed entries for the upcoming round.
func (s *RegistrationService) Participants(c *fiber.Ctx) error {
	var schedule models.Schedule
	if err := s.DB.First(&schedule).Error; err != nil || schedule.NextGameID == "" {
		return c.JSON(fiber.Map{"participants": []string{}, "count": 0})
	}

	var participants []models.Participant
	if err := s.DB.
		Where("game_id = ? AND status = ?", schedule.NextGameID, models.ParticipantConfirmed).
		Order("joined_at ASC").
		Find(&participants).Error; err != nil {
		log.Printf("DB Error listing participants: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "database error"})
	}

	names := make([]fiber.Map, 0, len(participants))
	for _, p := range participants {
		names = append(names, fiber.Map{
			"username":  p.Username,
			"chain":     p.Chain,
			"joined_at": p.JoinedAt,
		})
	}
	return c.JSON(fiber.Map{"participants": names, "count": len(names)})
}

func validateJoin(req joinRequest) error {
	if req.Username == "" || len(req.Username) > 32 {
		return errors.New("username must be 1-32 characters")
	}
	if req.WalletAddress == "" {
		return errors.New("wallet_address is required")
	}
	if req.Chain != models.ChainTON && req.Chain != models.ChainSOL {
		return errors.New("chain must be TON or SOL")
	}
	if req.TxHash == "" {
		return errors.New("tx_hash is required")
	}
	return nil
}
