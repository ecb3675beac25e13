package main

import (
	"net/http/httptest"
	"testing"

	"jackpot-round-system/config"
	"jackpot-round-system/services"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer() *fiber.App {
	cfg := config.Config{
		AllowedOrigins: []string{"http://localhost:3000"},
		GatewayToken:   "gw",
	}
	engine := services.NewRoundEngine(nil, nil, nil, clockwork.NewFakeClock(), services.DefaultEngineConfig(), zerolog.Nop())
	return newServer(cfg, engine, services.NewSessionRanking(), zerolog.Nop())
}

func TestPreflightAnsweredWithoutGatewayToken(t *testing.T) {
	app := testServer()

	req := httptest.NewRequest(fiber.MethodOptions, "/rounds/current/games", nil)
	req.Header.Set(fiber.HeaderOrigin, "http://localhost:3000")
	req.Header.Set(fiber.HeaderAccessControlRequestMethod, fiber.MethodPost)
	req.Header.Set(fiber.HeaderAccessControlRequestHeaders, "authorization, content-type")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))
}

func TestRequestsStillNeedGatewayToken(t *testing.T) {
	app := testServer()

	req := httptest.NewRequest(fiber.MethodGet, "/rounds/current", nil)
	req.Header.Set(fiber.HeaderOrigin, "http://localhost:3000")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
