package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dealflow/audit"
	"dealflow/auth"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/logger"
	"dealflow/orchestrator"
	"dealflow/review"
	"dealflow/rules"
	"dealflow/stage"
	"dealflow/transition"

	"github.com/shopspring/decimal"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type conversationService interface {
	Handle(ctx context.Context, req orchestrator.Request) (orchestrator.Outcome, error)
}

type caseReader interface {
	Get(ctx context.Context, id string) (deal.Case, error)
	Inspections(ctx context.Context, id string) ([]deal.InspectionRecord, error)
}

type reviewLister interface {
	List(ctx context.Context, caseID string) ([]review.Note, error)
}

type documentLister interface {
	List(ctx context.Context, caseID string) ([]document.Document, error)
}

type auditReader interface {
	List(ctx context.Context, caseID string, limit int) ([]audit.Entry, error)
}

// Server exposes the conversation endpoint and read-only case views.
type Server struct {
	authService  *auth.Service
	conversation conversationService
	cases        caseReader
	reviews      reviewLister
	documents    documentLister
	auditTrail   auditReader
	log          *logger.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/conversation", s.requireAuth(http.HandlerFunc(s.handleConversation)))
	mux.Handle("/api/cases/", s.requireAuth(http.HandlerFunc(s.handleCaseDetail)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.OperatorID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	op, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRole), errors.Is(err, auth.ErrMissingFields):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("register operator failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not register")
		}
		return
	}
	writeJSON(w, http.StatusCreated, toOperatorResponse(*op))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.log.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not log in")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, Operator: toOperatorResponse(res.Operator)})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)

	var body conversationRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Decision != "" && !role.CanReview() {
		writeError(w, http.StatusForbidden, "only reviewers can override or reject a case")
		return
	}

	req := body.toRequest(userID)
	out, err := s.conversation.Handle(r.Context(), req)
	if err != nil {
		status, msg := statusFor(err)
		if status == http.StatusOK {
			writeJSON(w, status, toConversationResponse(out))
			return
		}
		if status == http.StatusInternalServerError {
			s.log.Error("conversation turn failed", "user_id", userID, "case_id", req.CaseID, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(out))
}

// handleCaseDetail serves /api/cases/{id} and its sub-resources.
func (s *Server) handleCaseDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/cases/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "case id is required")
		return
	}
	id := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	ctx := r.Context()
	switch sub {
	case "":
		c, err := s.cases.Get(ctx, id)
		if err != nil {
			s.fail(w, err, "case_id", id)
			return
		}
		writeJSON(w, http.StatusOK, toCaseResponse(c))
	case "inspections":
		recs, err := s.cases.Inspections(ctx, id)
		if err != nil {
			s.fail(w, err, "case_id", id)
			return
		}
		items := make([]inspectionResponse, 0, len(recs))
		for _, rec := range recs {
			items = append(items, toInspectionResponse(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "reviews":
		if s.reviews == nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		notes, err := s.reviews.List(ctx, id)
		if err != nil {
			s.fail(w, err, "case_id", id)
			return
		}
		items := make([]reviewResponse, 0, len(notes))
		for _, n := range notes {
			items = append(items, toReviewResponse(n))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "documents":
		if s.documents == nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		docs, err := s.documents.List(ctx, id)
		if err != nil {
			s.fail(w, err, "case_id", id)
			return
		}
		items := make([]documentResponse, 0, len(docs))
		for _, d := range docs {
			items = append(items, documentResponse{Kind: d.Kind, Filename: d.Filename, UploadedBy: d.UploadedBy, UploadedAt: d.UploadedAt.UTC().Format(time.RFC3339)})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "audit":
		if s.auditTrail == nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := s.auditTrail.List(ctx, id, limit)
		if err != nil {
			s.fail(w, err, "case_id", id)
			return
		}
		items := make([]auditResponse, 0, len(entries))
		for _, e := range entries {
			items = append(items, auditResponse{Handler: e.Handler, Input: e.Input, Output: e.Output, Redirect: e.Redirect, Error: e.Err, Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano)})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) fail(w http.ResponseWriter, err error, keysAndValues ...interface{}) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", append(keysAndValues, "error", err)...)
	}
	writeError(w, status, msg)
}

// statusFor maps domain errors to HTTP statuses. A redirect loop still
// carries a fallback reply, so it is reported as 200.
func statusFor(err error) (int, string) {
	var inc *transition.IncompleteError
	switch {
	case errors.Is(err, orchestrator.ErrRedirectLoopDetected):
		return http.StatusOK, ""
	case errors.Is(err, deal.ErrNotFound), errors.Is(err, review.ErrNotFound), errors.Is(err, document.ErrCaseNotFound):
		return http.StatusNotFound, "not found"
	case errors.As(err, &inc):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, rules.ErrInvalidInput), errors.Is(err, document.ErrKindRequired),
		errors.Is(err, review.ErrBadOutcome), errors.Is(err, review.ErrBlankNote):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, transition.ErrJustificationRequired):
		return http.StatusPreconditionRequired, err.Error()
	case errors.Is(err, stage.ErrIllegalTransition), errors.Is(err, transition.ErrConcurrentModification),
		errors.Is(err, deal.ErrStageConflict), errors.Is(err, deal.ErrClosed), errors.Is(err, review.ErrBadStatus):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

type conversationRequest struct {
	CaseID        string            `json:"caseId"`
	Input         string            `json:"input"`
	Context       map[string]string `json:"context"`
	AskingPrice   *decimal.Decimal  `json:"askingPrice"`
	MarketValue   *decimal.Decimal  `json:"marketValue"`
	ARV           *decimal.Decimal  `json:"arv"`
	DefectTags    []string          `json:"defectTags"`
	TitleStatus   string            `json:"titleStatus"`
	Confirmed     bool              `json:"confirmed"`
	Decision      string            `json:"decision"`
	Justification string            `json:"justification"`
	Address       string            `json:"address"`
	TargetCaseID  string            `json:"targetCaseId"`
	Documents     []documentUpload  `json:"documents"`
	Page          int               `json:"page"`
}

type documentUpload struct {
	Kind     string `json:"kind"`
	Filename string `json:"filename"`
}

func (b conversationRequest) toRequest(userID string) orchestrator.Request {
	hints := make(map[string]string, len(b.Context)+1)
	for k, v := range b.Context {
		hints[k] = v
	}
	hints["user_id"] = userID

	docs := make([]document.Document, 0, len(b.Documents))
	for _, d := range b.Documents {
		docs = append(docs, document.Document{Kind: d.Kind, Filename: d.Filename, UploadedBy: userID})
	}
	return orchestrator.Request{
		CaseID:  b.CaseID,
		Input:   b.Input,
		Context: hints,
		Payload: orchestrator.Payload{
			AskingPrice:   b.AskingPrice,
			MarketValue:   b.MarketValue,
			ARV:           b.ARV,
			DefectTags:    b.DefectTags,
			TitleStatus:   deal.TitleStatus(strings.ToLower(strings.TrimSpace(b.TitleStatus))),
			Confirmed:     b.Confirmed,
			Decision:      review.Decision(b.Decision),
			Justification: b.Justification,
			Address:       b.Address,
			TargetCaseID:  b.TargetCaseID,
			Documents:     docs,
			Actor:         userID,
			Page:          b.Page,
		},
	}
}

type conversationResponse struct {
	Kind         string         `json:"kind"`
	Text         string         `json:"text"`
	Missing      []string       `json:"missing,omitempty"`
	Case         *caseResponse  `json:"case,omitempty"`
	Cases        []caseResponse `json:"cases,omitempty"`
	Total        int            `json:"total,omitempty"`
	Handler      string         `json:"recommendedHandler,omitempty"`
	Redirects    []string       `json:"redirects,omitempty"`
	ActiveCaseID string         `json:"activeCaseId"`
}

func toConversationResponse(out orchestrator.Outcome) conversationResponse {
	resp := conversationResponse{
		Kind:         string(out.Reply.Kind),
		Text:         out.Reply.Text,
		Missing:      out.Reply.Missing,
		Total:        out.Reply.Total,
		Redirects:    out.Redirects,
		ActiveCaseID: out.ActiveCaseID,
	}
	if out.Reply.Case != nil {
		c := toCaseResponse(*out.Reply.Case)
		resp.Case = &c
	}
	for _, c := range out.Reply.Cases {
		resp.Cases = append(resp.Cases, toCaseResponse(c))
	}
	if out.Reply.Guidance != nil {
		resp.Handler = string(out.Reply.Guidance.RecommendedHandler)
	}
	return resp
}

type caseResponse struct {
	ID             string  `json:"id"`
	Address        string  `json:"address,omitempty"`
	Stage          string  `json:"stage"`
	Status         string  `json:"status"`
	AskingPrice    *string `json:"askingPrice,omitempty"`
	MarketValue    *string `json:"marketValue,omitempty"`
	ARV            *string `json:"arv,omitempty"`
	RepairEstimate *string `json:"repairEstimate,omitempty"`
	TitleStatus    *string `json:"titleStatus,omitempty"`
	Version        int64   `json:"version"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

func money(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.StringFixed(2)
	return &s
}

func toCaseResponse(c deal.Case) caseResponse {
	resp := caseResponse{
		ID:             c.ID,
		Address:        c.Address,
		Stage:          string(c.Stage),
		Status:         c.Status,
		AskingPrice:    money(c.AskingPrice),
		MarketValue:    money(c.MarketValue),
		ARV:            money(c.ARV),
		RepairEstimate: money(c.RepairEstimate),
		Version:        c.Version,
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if c.TitleStatus != nil {
		ts := string(*c.TitleStatus)
		resp.TitleStatus = &ts
	}
	return resp
}

type inspectionResponse struct {
	ID             string            `json:"id"`
	DefectTags     []string          `json:"defectTags"`
	Breakdown      map[string]string `json:"breakdown"`
	RepairEstimate string            `json:"repairEstimate"`
	TitleStatus    string            `json:"titleStatus"`
	RecordedAt     string            `json:"recordedAt"`
}

func toInspectionResponse(rec deal.InspectionRecord) inspectionResponse {
	breakdown := make(map[string]string, len(rec.Breakdown))
	for tag, cost := range rec.Breakdown {
		breakdown[tag] = cost.StringFixed(2)
	}
	return inspectionResponse{
		ID:             rec.ID,
		DefectTags:     rec.DefectTags,
		Breakdown:      breakdown,
		RepairEstimate: rec.RepairEstimate.StringFixed(2),
		TitleStatus:    string(rec.TitleStatus),
		RecordedAt:     rec.RecordedAt.UTC().Format(time.RFC3339),
	}
}

type reviewResponse struct {
	ID            string  `json:"id"`
	ReviewStage   string  `json:"reviewStage"`
	Justification string  `json:"justification"`
	Decision      string  `json:"decision"`
	Author        string  `json:"author"`
	CreatedAt     string  `json:"createdAt"`
	DecidedAt     *string `json:"decidedAt,omitempty"`
}

func toReviewResponse(n review.Note) reviewResponse {
	resp := reviewResponse{
		ID:            n.ID,
		ReviewStage:   string(n.ReviewStage),
		Justification: n.Justification,
		Decision:      string(n.Decision),
		Author:        n.Author,
		CreatedAt:     n.CreatedAt.UTC().Format(time.RFC3339),
	}
	if n.DecidedAt != nil {
		ts := n.DecidedAt.UTC().Format(time.RFC3339)
		resp.DecidedAt = &ts
	}
	return resp
}

type documentResponse struct {
	Kind       string `json:"kind"`
	Filename   string `json:"filename"`
	UploadedBy string `json:"uploadedBy"`
	UploadedAt string `json:"uploadedAt"`
}

type auditResponse struct {
	Handler   string `json:"handler"`
	Input     string `json:"input,omitempty"`
	Output    string `json:"output,omitempty"`
	Redirect  string `json:"redirect,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type operatorResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

func toOperatorResponse(op auth.Operator) operatorResponse {
	return operatorResponse{ID: op.ID, Email: op.Email, FullName: op.FullName, Role: string(op.Role)}
}

type loginResponse struct {
	Token    string           `json:"token"`
	Operator operatorResponse `json:"operator"`
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
