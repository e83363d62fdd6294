package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dealflow/audit"
	"dealflow/auth"
	"dealflow/config"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/logger"
	"dealflow/orchestrator"
	"dealflow/review"
	"dealflow/rules"
	"dealflow/stage"
	"dealflow/transition"
)

type memoryOperators struct {
	mu      sync.Mutex
	byEmail map[string]auth.Operator
}

func (m *memoryOperators) CreateOperator(_ context.Context, p auth.CreateOperatorParams) (auth.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(p.Email)
	if _, ok := m.byEmail[key]; ok {
		return auth.Operator{}, auth.ErrDuplicateEmail
	}
	op := auth.Operator{ID: fmt.Sprintf("op-%d", len(m.byEmail)+1), Email: key, FullName: p.FullName, PasswordHash: p.PasswordHash, Role: p.Role}
	m.byEmail[key] = op
	return op, nil
}

func (m *memoryOperators) GetOperatorByEmail(_ context.Context, email string) (auth.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return auth.Operator{}, auth.ErrOperatorNotFound
	}
	return op, nil
}

func (m *memoryOperators) GetOperatorByID(_ context.Context, id string) (auth.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.byEmail {
		if op.ID == id {
			return op, nil
		}
	}
	return auth.Operator{}, auth.ErrOperatorNotFound
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:         "test-secret",
		Thresholds:        rules.DefaultThresholds(),
		ClassifierTimeout: time.Second,
	}
}

func newTestServer(t *testing.T) (*Server, *deal.MemoryStore) {
	t.Helper()
	store := deal.NewMemoryStore()
	s, err := newServer(testConfig(), logger.Nop(), wiring{
		store:     store,
		docs:      document.NewMemoryRepository(),
		notes:     review.NewMemoryStore(),
		sink:      audit.NewMemorySink(),
		operators: &memoryOperators{byEmail: map[string]auth.Operator{}},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s, store
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func signIn(t *testing.T, h http.Handler, email string, role auth.Role) string {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":"longenough","full_name":"Test Operator","role":%q}`, email, role)
	if rec := do(t, h, http.MethodPost, "/api/auth/register", "", body); rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodPost, "/api/auth/login", "", fmt.Sprintf(`{"email":%q,"password":"longenough"}`, email))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if resp.Operator.Role != string(role) {
		t.Fatalf("expected role %s, got %s", role, resp.Operator.Role)
	}
	return resp.Token
}

func decodeConversation(t *testing.T, rec *httptest.ResponseRecorder) conversationResponse {
	t.Helper()
	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode conversation: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestConversation_CreateAndValue(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()
	token := signIn(t, h, "ana@example.com", auth.RoleAnalyst)

	rec := do(t, h, http.MethodPost, "/api/conversation", token, `{"input":"start a new deal","address":"12 Elm St"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeConversation(t, rec)
	if created.Kind != string(orchestrator.ReplyNeedInput) {
		t.Fatalf("expected need_input, got %+v", created)
	}
	if created.ActiveCaseID == "" {
		t.Fatal("expected an active case id")
	}

	body := fmt.Sprintf(`{"caseId":%q,"askingPrice":"35000","marketValue":50000}`, created.ActiveCaseID)
	rec = do(t, h, http.MethodPost, "/api/conversation", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	advanced := decodeConversation(t, rec)
	if advanced.Kind != string(orchestrator.ReplyAdvanced) || advanced.Case == nil || advanced.Case.Stage != string(stage.Passed70Rule) {
		t.Fatalf("unexpected advance reply: %+v", advanced)
	}
	if advanced.Case.AskingPrice == nil || *advanced.Case.AskingPrice != "35000.00" {
		t.Fatalf("expected formatted asking price, got %+v", advanced.Case.AskingPrice)
	}

	rec = do(t, h, http.MethodGet, "/api/cases/"+created.ActiveCaseID, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get case: expected 200, got %d", rec.Code)
	}
	var c caseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode case: %v", err)
	}
	if c.Stage != string(stage.Passed70Rule) || c.Status == "" {
		t.Fatalf("unexpected case payload: %+v", c)
	}

	rec = do(t, h, http.MethodGet, "/api/cases/"+created.ActiveCaseID+"/audit", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d", rec.Code)
	}
	var trail struct {
		Items []auditResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &trail); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(trail.Items) == 0 || trail.Items[0].Handler != "valuation" {
		t.Fatalf("expected newest audit entry from valuation, got %+v", trail.Items)
	}
}

func TestConversation_RequiresToken(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.routes(), http.MethodPost, "/api/conversation", "", `{"input":"list my deals"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = do(t, s.routes(), http.MethodPost, "/api/conversation", "garbage", `{"input":"list my deals"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestConversation_ReviewDecisionNeedsReviewer(t *testing.T) {
	s, store := newTestServer(t)
	h := s.routes()
	ctx := context.Background()

	c, err := store.Create(ctx, deal.CreateParams{CreatedBy: "op-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, next := range []stage.Stage{stage.Initial, stage.ReviewRequired} {
		cur, _ := store.Get(ctx, c.ID)
		if _, err := store.CompareAndSetStage(ctx, c.ID, cur.Stage, next); err != nil {
			t.Fatalf("set stage %s: %v", next, err)
		}
	}

	analyst := signIn(t, h, "ana@example.com", auth.RoleAnalyst)
	body := fmt.Sprintf(`{"caseId":%q,"decision":"override","justification":"seller is motivated"}`, c.ID)
	if rec := do(t, h, http.MethodPost, "/api/conversation", analyst, body); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for analyst, got %d", rec.Code)
	}

	reviewer := signIn(t, h, "rev@example.com", auth.RoleReviewer)
	blank := fmt.Sprintf(`{"caseId":%q,"decision":"override","justification":"  "}`, c.ID)
	if rec := do(t, h, http.MethodPost, "/api/conversation", reviewer, blank); rec.Code != http.StatusPreconditionRequired {
		t.Fatalf("expected 428 without justification, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := do(t, h, http.MethodPost, "/api/conversation", reviewer, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeConversation(t, rec)
	if resp.Kind != string(orchestrator.ReplyReviewed) || resp.Case.Stage != string(stage.Initial) {
		t.Fatalf("unexpected review reply: %+v", resp)
	}

	rec = do(t, h, http.MethodGet, "/api/cases/"+c.ID+"/reviews", reviewer, "")
	var notes struct {
		Items []reviewResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &notes); err != nil {
		t.Fatalf("decode reviews: %v", err)
	}
	if len(notes.Items) != 1 || notes.Items[0].Decision != string(review.DecisionOverride) || notes.Items[0].DecidedAt == nil {
		t.Fatalf("unexpected review notes: %+v", notes.Items)
	}
}

func TestHandleCaseDetail_Paths(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"missing id", http.MethodGet, "/api/cases/", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/api/cases/c1", http.StatusMethodNotAllowed},
		{"unknown case", http.MethodGet, "/api/cases/nope", http.StatusNotFound},
		{"unknown inspections", http.MethodGet, "/api/cases/nope/inspections", http.StatusNotFound},
		{"unknown sub resource", http.MethodGet, "/api/cases/c1/photos", http.StatusNotFound},
		{"too deep", http.MethodGet, "/api/cases/c1/reviews/r1", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			s.handleCaseDetail(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

type stubConversation struct {
	out orchestrator.Outcome
	err error
}

func (s stubConversation) Handle(context.Context, orchestrator.Request) (orchestrator.Outcome, error) {
	return s.out, s.err
}

func TestHandleConversation_RedirectLoopIsFallback(t *testing.T) {
	server := &Server{
		conversation: stubConversation{
			out: orchestrator.Outcome{Reply: orchestrator.Reply{Kind: orchestrator.ReplyFallback, Text: "Sorry"}},
			err: fmt.Errorf("%w: 4 redirects", orchestrator.ErrRedirectLoopDetected),
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/conversation", strings.NewReader(`{"input":"hm"}`))
	req = req.WithContext(context.WithValue(req.Context(), ctxKeyUserID, "op-1"))
	rec := httptest.NewRecorder()

	server.handleConversation(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decodeConversation(t, rec); resp.Kind != string(orchestrator.ReplyFallback) {
		t.Fatalf("expected fallback reply, got %+v", resp)
	}
}

func TestHandleConversation_UnexpectedError(t *testing.T) {
	server := &Server{conversation: stubConversation{err: errors.New("boom")}}
	req := httptest.NewRequest(http.MethodPost, "/api/conversation", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	server.handleConversation(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleConversation_BadBody(t *testing.T) {
	server := &Server{conversation: stubConversation{}}
	req := httptest.NewRequest(http.MethodPost, "/api/conversation", strings.NewReader(`{"askingPrice":"lots"}`))
	rec := httptest.NewRecorder()

	server.handleConversation(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{deal.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", rules.ErrInvalidInput), http.StatusBadRequest},
		{&transition.IncompleteError{Stage: stage.Initial, Missing: []string{stage.FieldAskingPrice}}, http.StatusUnprocessableEntity},
		{stage.ErrIllegalTransition, http.StatusConflict},
		{transition.ErrConcurrentModification, http.StatusConflict},
		{transition.ErrJustificationRequired, http.StatusPreconditionRequired},
		{orchestrator.ErrRedirectLoopDetected, http.StatusOK},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRegister_Validation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()
	if rec := do(t, h, http.MethodPost, "/api/auth/register", "", `{"email":"a@example.com","password":"short","full_name":"A"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for weak password, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/auth/register", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	signIn(t, h, "dup@example.com", auth.RoleAnalyst)
	if rec := do(t, h, http.MethodPost, "/api/auth/register", "", `{"email":"dup@example.com","password":"longenough","full_name":"B"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/auth/login", "", `{"email":"dup@example.com","password":"wrongpass"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
}
