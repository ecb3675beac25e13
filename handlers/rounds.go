// handlers/rounds.go
package handlers

import (
	"errors"
	"time"

	"jackpot-round-system/middleware"
	"jackpot-round-system/models"
	"jackpot-round-system/services"
	"jackpot-round-system/store"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

type submitGameRequest struct {
	ID        string     `json:"id" validate:"required,max=128"`
	Score     *int       `json:"score" validate:"required,min=0,max=100"`
	Timestamp *time.Time `json:"timestamp"`
}

func SetupRoundRoutes(app *fiber.App, engine *services.RoundEngine, ranking *services.SessionRanking, entryFee decimal.Decimal) {
	validate := validator.New()

	app.Get("/config", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"entry_fee":              entryFee,
			"fee_reserve":            engine.Config().FeeReserve,
			"round_duration_seconds": int64(models.RoundDuration / time.Second),
			"max_score":              models.MaxScore,
			"history_limit":          models.HistoryLimit,
		})
	})

	rounds := app.Group("/rounds")

	rounds.Get("/current", func(c *fiber.Ctx) error {
		round, _, err := engine.EnsureRound(c.UserContext())
		if err != nil {
			// the finished round cannot be settled yet; show it as is
			round, err = engine.CurrentRound(c.UserContext())
			if err != nil || round == nil {
				return engineError(c, err)
			}
		}
		return c.JSON(fiber.Map{
			"round":             round,
			"seconds_remaining": round.SecondsRemaining(engine.Now()),
			"jackpot_pending":   round.HasPendingJackpot(),
		})
	})

	rounds.Get("/current/leaderboard", func(c *fiber.Ctx) error {
		round, err := engine.CurrentRound(c.UserContext())
		if err != nil {
			return engineError(c, err)
		}
		ranking.Sync(round)
		return c.JSON(fiber.Map{
			"round_id": ranking.RoundID(),
			"entries":  ranking.Entries(),
		})
	})

	rounds.Get("/history", func(c *fiber.Ctx) error {
		hist, err := engine.History(c.UserContext())
		if err != nil {
			return engineError(c, err)
		}
		return c.JSON(fiber.Map{"rounds": hist})
	})

	rounds.Post("/current/expire-check", func(c *fiber.Ctx) error {
		res, err := engine.CheckAndCloseExpired(c.UserContext())
		if err != nil {
			return engineError(c, err)
		}
		return c.JSON(closeResponse(res))
	})

	rounds.Post("/current/games", middleware.PlayerContextMiddleware(), func(c *fiber.Ctx) error {
		var req submitGameRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if err := validate.Struct(req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid submission",
				"cause": err.Error(),
			})
		}

		sub := models.Submission{
			ID:     req.ID,
			Player: middleware.Player(c),
			Score:  *req.Score,
		}
		if req.Timestamp != nil {
			sub.Timestamp = *req.Timestamp
		}

		res, err := engine.Submit(c.UserContext(), sub, entryFee)
		if err != nil {
			return engineError(c, err)
		}

		body := fiber.Map{
			"round":           res.Round,
			"submission":      res.Submission,
			"duplicate":       res.Duplicate,
			"jackpot":         res.Jackpot,
			"jackpot_pending": res.JackpotPending,
		}
		if res.Expired != nil && res.Expired.Closed {
			body["expired_round"] = closeResponse(res.Expired)
		}
		if res.Settled != nil {
			body["closed_round"] = closeResponse(res.Settled)
		}
		if res.PriorRoundID != "" {
			body["prior_round_id"] = res.PriorRoundID
			if res.PriorRound != nil {
				body["prior_round"] = res.PriorRound
			}
		}

		status := fiber.StatusCreated
		if res.Duplicate {
			status = fiber.StatusOK
		}
		return c.Status(status).JSON(body)
	})
}

func SetupSettlementRoutes(app *fiber.App, engine *services.RoundEngine) {
	app.Get("/settlements/:round_id", func(c *fiber.Ctx) error {
		st, err := engine.Settlement(c.UserContext(), c.Params("round_id"))
		if err != nil {
			return engineError(c, err)
		}
		return c.JSON(st)
	})

	app.Get("/players/leaderboard", func(c *fiber.Ctx) error {
		top, err := engine.TopPlayers(c.UserContext(), c.QueryInt("limit", 20))
		if err != nil {
			return engineError(c, err)
		}
		return c.JSON(fiber.Map{"players": top})
	})

	app.Get("/players/:address/stats", func(c *fiber.Ctx) error {
		stats, err := engine.PlayerStats(c.UserContext(), c.Params("address"))
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(models.PlayerStats{Player: c.Params("address")})
		}
		if err != nil {
			return engineError(c, err)
		}
		return c.JSON(stats)
	})
}

func closeResponse(res *services.CloseResult) fiber.Map {
	body := fiber.Map{"closed": res.Closed}
	if !res.Closed {
		return body
	}
	body["round"] = res.Round
	body["winner"] = res.Winner
	if res.Settlement != nil {
		body["settlement"] = res.Settlement
	}
	if res.NextRound != nil {
		body["next_round_id"] = res.NextRound.RoundID
	}
	return body
}

func engineError(c *fiber.Ctx, err error) error {
	switch {
	case err == nil:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no current round"})
	case errors.Is(err, services.ErrInvalidSubmission):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	case errors.Is(err, services.ErrSettlementUnavailable),
		errors.Is(err, services.ErrInsufficientPool),
		errors.Is(err, services.ErrContention):
		c.Set(fiber.HeaderRetryAfter, "5")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":     err.Error(),
			"retryable": true,
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal error",
			"cause": err.Error(),
		})
	}
}
