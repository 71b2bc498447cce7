package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tatsugg/tatsuq/internal/core/engine"
	apperrors "github.com/tatsugg/tatsuq/internal/errors"
	"github.com/tatsugg/tatsuq/internal/tatsu"
)

// API is the subset of the Tatsu client served over HTTP.
type API interface {
	GetUserProfile(ctx context.Context, userID string) (*tatsu.User, error)
	GetGuildLeaderboard(ctx context.Context, guildID string, page int) (*tatsu.Rankings, error)
	GetUserRankInGuild(ctx context.Context, userID, guildID string) (*tatsu.Member, error)
	ModifyMemberScore(ctx context.Context, guildID, userID string, action tatsu.ScoreAction, amount int) (*tatsu.MemberScore, error)
	Status() engine.Status
}

// ScoreRequest is the body of a score modification.
type ScoreRequest struct {
	Action string `json:"action"`
	Amount int    `json:"amount"`
}

const maxScoreBody = 4 << 10

// APIHandler serves Tatsu calls through the shared scheduler. A caller that
// disconnects stops waiting, but its request stays queued.
type APIHandler struct {
	api API
}

// NewAPIHandler wraps api.
func NewAPIHandler(api API) *APIHandler {
	return &APIHandler{api: api}
}

// Routes mounts the API endpoints on r.
func (h *APIHandler) Routes(r chi.Router) {
	r.Get("/users/{userID}/profile", h.UserProfile)
	r.Get("/guilds/{guildID}/rankings", h.Leaderboard)
	r.Get("/guilds/{guildID}/rankings/members/{userID}", h.MemberRank)
	r.Patch("/guilds/{guildID}/members/{userID}/score", h.ModifyScore)
	r.Get("/status", h.Status)
}

// UserProfile serves GET /users/{userID}/profile.
func (h *APIHandler) UserProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.api.GetUserProfile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Leaderboard serves one page of a guild's all-time rankings. The optional
// page query parameter is zero-based.
func (h *APIHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	page := 0
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError(fmt.Sprintf("invalid page %q", raw)))
			return
		}
		page = n
	}

	rankings, err := h.api.GetGuildLeaderboard(r.Context(), chi.URLParam(r, "guildID"), page)
	if err != nil {
		respondWithAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rankings)
}

// MemberRank serves a member's all-time rank in a guild.
func (h *APIHandler) MemberRank(w http.ResponseWriter, r *http.Request) {
	member, err := h.api.GetUserRankInGuild(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "guildID"))
	if err != nil {
		respondWithAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

// ModifyScore applies a score change from a JSON body such as
// {"action":"add","amount":5}. The write is queued like any other call and
// is rejected once the credential has been invalidated.
func (h *APIHandler) ModifyScore(w http.ResponseWriter, r *http.Request) {
	var body ScoreRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxScoreBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, r, apperrors.Wrap(r.Context(), apperrors.CodeInvalidInput, err, "Invalid score request body"))
		return
	}

	action, err := tatsu.ParseScoreAction(body.Action)
	if err != nil {
		respondWithAPIError(w, r, err)
		return
	}

	score, err := h.api.ModifyMemberScore(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "userID"), action, body.Amount)
	if err != nil {
		respondWithAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// Status reports the scheduler snapshot.
func (h *APIHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.Status())
}
