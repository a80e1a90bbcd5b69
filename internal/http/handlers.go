package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"commonpurse/internal/core"
	"commonpurse/internal/session"
	"commonpurse/internal/storage"
)

type transactionResponse struct {
	GroupID           int64  `json:"group_id"`
	TransactionID     int64  `json:"transaction_id"`
	AmountCents       int64  `json:"amount_cents"`
	RunningTotalCents int64  `json:"running_total_cents"`
	Category          string `json:"category"`
	Description       string `json:"description"`
	RecordDate        string `json:"record_date"`
	RecordedBy        int64  `json:"recorded_by"`
}

func toTransactionResponse(t core.Transaction) transactionResponse {
	return transactionResponse{
		GroupID:           int64(t.GroupID),
		TransactionID:     t.ID,
		AmountCents:       t.Amount.Cents,
		RunningTotalCents: t.RunningTotal.Cents,
		Category:          t.Category,
		Description:       t.Description,
		RecordDate:        t.RecordDate.Format("2006-01-02"),
		RecordedBy:        int64(t.RecordedBy),
	}
}

// --- users ---

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   int64  `json:"user_id"`
		Language string `json:"language"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "user_id must be positive")
		return
	}

	lang := core.LanguageCode(req.Language)
	if req.Language == "" {
		lang = session.DefaultLanguage
	}
	if !lang.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "invalid language code")
		return
	}

	user := core.UserID(req.UserID)
	if err := s.store.RegisterUser(r.Context(), user, lang); err != nil {
		s.logger.ErrorContext(r.Context(), "User registration failed", "user_id", user, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	s.sessions.MarkRegistered(user)
	// Re-registration can change the stored language, so the cache entry is
	// replaced along with it.
	s.sessions.MarkLanguage(user, lang)

	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":  req.UserID,
		"language": string(lang),
	})
}

func (s *Server) handleGetLanguage(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	lang, err := s.sessions.Language(r.Context(), core.UserID(userID))
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Language read failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "language read failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"language": string(lang),
	})
}

func (s *Server) handleChangeLanguage(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req struct {
		Language string `json:"language"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	err := s.sessions.ChangeLanguage(r.Context(), core.UserID(userID), core.LanguageCode(req.Language))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"language": req.Language,
	})
}

// --- groups ---

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID int64 `json:"owner_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OwnerID <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "owner_id must be positive")
		return
	}

	if !s.requireRegistered(w, r, core.UserID(req.OwnerID)) {
		return
	}

	token := uuid.NewString()
	id, err := s.store.CreateGroup(r.Context(), core.UserID(req.OwnerID), token)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Group creation failed", "owner", req.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "group creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"group_id": int64(id),
		"token":    token,
	})
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"user_id"`
		Token  string `json:"token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID <= 0 || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusUnprocessableEntity, "user_id and token are required")
		return
	}

	if !s.requireRegistered(w, r, core.UserID(req.UserID)) {
		return
	}

	g, err := s.store.GroupByToken(r.Context(), req.Token)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown join token")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "join failed")
		return
	}

	err = s.store.AddMember(r.Context(), g.ID, core.UserID(req.UserID))
	if errors.Is(err, storage.ErrGroupFull) {
		writeError(w, http.StatusConflict, "group is full")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Join failed", "group_id", g.ID, "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "join failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"group_id": int64(g.ID)})
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	user := core.UserID(req.UserID)
	err := s.store.RemoveMember(r.Context(), core.GroupID(groupID), user)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not a member")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "leave failed")
		return
	}
	s.sessions.InvalidateRegistration(user)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	members, err := s.store.DeleteGroup(r.Context(), core.GroupID(groupID))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Group deletion failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, "group deletion failed")
		return
	}
	s.sessions.InvalidateMembers(members)

	writeJSON(w, http.StatusOK, map[string]any{"removed_members": len(members)})
}

// --- transactions ---

func (s *Server) handleAppendTransaction(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	var req struct {
		UserID      int64  `json:"user_id"`
		Amount      string `json:"amount"`
		Category    string `json:"category"`
		Description string `json:"description"`
		Date        string `json:"date"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if !s.requireRegistered(w, r, core.UserID(req.UserID)) {
		return
	}

	cents, err := core.ParseSignedCents(req.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid amount: "+err.Error())
		return
	}

	recordDate := time.Now().UTC().Truncate(24 * time.Hour)
	if req.Date != "" {
		recordDate, err = time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid date, want YYYY-MM-DD")
			return
		}
	}

	t, err := s.ledger.Append(r.Context(), core.GroupID(groupID), core.Money{Cents: cents},
		recordDate, req.Category, req.Description, core.UserID(req.UserID))
	if err != nil {
		if isValidationError(err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.ErrorContext(r.Context(), "Append failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, "append failed")
		return
	}

	// Best effort: an unpublished row stays pending and the worker's backup
	// sweep exports it later.
	if s.publisher != nil {
		if err := s.publisher.PublishExportTransaction(r.Context(), t.GroupID, t.ID); err != nil {
			s.logger.WarnContext(r.Context(), "Export publish failed",
				"group_id", t.GroupID, "transaction_id", t.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	group := core.GroupID(groupID)

	// The version stamp doubles as an ETag so clients can skip re-fetching an
	// unchanged ledger.
	stamp := s.ledger.Stamp(r.Context(), group)
	if stamp != "" {
		if match := r.Header.Get("If-None-Match"); match == `"`+stamp+`"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"`+stamp+`"`)
	}

	txs, err := s.ledger.ListRecent(r.Context(), group, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "List failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version_stamp": stamp,
		"transactions":  out,
	})
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	txID, ok := pathID(r, "txID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}

	err := s.ledger.DeleteByID(r.Context(), core.GroupID(groupID), txID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown transaction")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Delete failed",
			"group_id", groupID, "transaction_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	group := core.GroupID(groupID)
	balance, err := s.ledger.Balance(r.Context(), group)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Balance read failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, "balance read failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance_cents": balance.Cents,
		"version_stamp": s.ledger.Stamp(r.Context(), group),
	})
}

// --- reports ---

func (s *Server) handleRequestReport(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	var req struct {
		UserID       int64  `json:"user_id"`
		Conversation string `json:"conversation"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if !s.requireRegistered(w, r, core.UserID(req.UserID)) {
		return
	}
	if strings.TrimSpace(req.Conversation) == "" {
		writeError(w, http.StatusUnprocessableEntity, "conversation is required")
		return
	}

	totals, err := s.store.CategoryTotals(r.Context(), core.GroupID(groupID))
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Category totals failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, "report data unavailable")
		return
	}
	if len(totals) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "nothing to report, the ledger is empty")
		return
	}

	series := make(map[string][]float64, len(totals))
	for category, sum := range totals {
		series[category] = []float64{
			float64(sum.Income) / 100,
			float64(sum.Expense) / 100,
		}
	}

	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(r.Context(), s.dispatchTimeout)
	defer cancel()

	if !s.correlator.Register(ctx, requestID, req.Conversation, series) {
		writeError(w, http.StatusBadGateway, "report dispatch failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": requestID})
}

// requireRegistered rejects the request when the acting user is unknown.
func (s *Server) requireRegistered(w http.ResponseWriter, r *http.Request, user core.UserID) bool {
	if user <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "user_id must be positive")
		return false
	}
	registered, err := s.sessions.IsRegistered(r.Context(), user)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Registration check failed", "user_id", user, "error", err)
		writeError(w, http.StatusInternalServerError, "registration check failed")
		return false
	}
	if !registered {
		writeError(w, http.StatusForbidden, "user is not registered")
		return false
	}
	return true
}

func isValidationError(err error) bool {
	return errors.Is(err, core.ErrZeroAmount) ||
		errors.Is(err, core.ErrInvalidAmount) ||
		errors.Is(err, core.ErrEmptyCategory) ||
		errors.Is(err, core.ErrEmptyDescription) ||
		errors.Is(err, core.ErrInvalidDate)
}
