package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	_ "modernc.org/sqlite"

	"github.com/bizpilot/bizpilot/internal/agent"
	"github.com/bizpilot/bizpilot/internal/auth"
	"github.com/bizpilot/bizpilot/internal/cache"
	"github.com/bizpilot/bizpilot/internal/llm"
	"github.com/bizpilot/bizpilot/internal/quota"
	"github.com/bizpilot/bizpilot/internal/ratelimit"
	"github.com/bizpilot/bizpilot/internal/storage"
	"github.com/bizpilot/bizpilot/internal/tools"
	"github.com/bizpilot/bizpilot/internal/usage"
)

const salesCSV = `date,product,category,region,sales,quantity
2024-01-01,Widget,Tools,North,100,5
2024-01-01,Gadget,Tools,South,200,3
2024-01-02,Widget,Tools,North,110,4
2024-01-02,Gadget,Tools,South,190,2
2024-01-03,Widget,Tools,North,120,6
2024-01-03,Gadget,Tools,South,180,1
`

// scriptedClient returns queued responses in order and fails when the
// queue empties.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
}

func (c *scriptedClient) queue(resp ...*llm.ChatResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp...)
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, toolDefs, nil)
}

func (c *scriptedClient) ChatStream(_ context.Context, _ string, _ []llm.Message, _ []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("scripted client: no responses queued")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

func assistantText(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", Content: content},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

func assistantToolCall(name string, args map[string]any) *llm.ChatResponse {
	tc := llm.ToolCall{ID: "call-1"}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{tc}},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

type testEnv struct {
	ts     *httptest.Server
	srv    *Server
	client *scriptedClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	cacheStore := cache.New(context.Background(), cache.Options{Addr: mr.Addr()}, logger)
	t.Cleanup(func() { cacheStore.Close() })

	tracker := quota.New(cacheStore, t.TempDir(), logger)

	files, err := storage.NewLocal(t.TempDir(), 10, logger)
	if err != nil {
		t.Fatalf("storage.NewLocal: %v", err)
	}

	registry := tools.NewRegistry(files, cacheStore, tracker, logger)

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	userStore, err := auth.NewStore(db)
	if err != nil {
		t.Fatalf("auth.NewStore: %v", err)
	}
	authSvc := auth.NewService(userStore, []byte("test-secret"), logger)
	authSvc.SetCache(cacheStore)

	usageStore, err := usage.NewStore(db)
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}

	client := &scriptedClient{}
	loop := agent.New(client, registry, "test-model", logger)
	loop.SetStore(usageStore)

	srv := NewServer("127.0.0.1", 0, loop, authSvc, files, registry, logger)
	srv.SetCacheStore(cacheStore)
	srv.SetUsageStore(usageStore)
	srv.SetQuotaTracker(tracker)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, srv: srv, client: client}
}

// register creates an account through the API and returns its bearer
// token.
func (e *testEnv) register(t *testing.T, email string) string {
	t.Helper()
	body, _ := json.Marshal(RegisterRequest{Email: email, Password: "testing-password"})
	resp, err := http.Post(e.ts.URL+"/v1/auth/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("register status = %d: %s", resp.StatusCode, raw)
	}
	var ar AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return ar.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// upload sends a multipart dataset and returns the stored filename.
func (e *testEnv) upload(t *testing.T, token, filename, content string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	io.WriteString(fw, content)
	mw.Close()

	resp := e.do(t, http.MethodPost, "/v1/files", token, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("upload status = %d: %s", resp.StatusCode, raw)
	}
	body := decodeBody(t, resp)
	stored, _ := body["filename"].(string)
	if stored == "" {
		t.Fatalf("upload response missing filename: %v", body)
	}
	return stored
}

func TestPublicEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["status"]; got != "healthy" {
		t.Errorf("healthz status field = %v", got)
	}

	resp, err = http.Get(env.ts.URL + "/v1/version")
	if err != nil {
		t.Fatalf("GET /v1/version: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("version status = %d", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["version"]; got == nil || got == "" {
		t.Errorf("version field = %v, want build version", got)
	}
}

func TestAuthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "ada@example.com")

	// Duplicate registration is rejected.
	body, _ := json.Marshal(RegisterRequest{Email: "ada@example.com", Password: "testing-password"})
	resp, _ := http.Post(env.ts.URL+"/v1/auth/register", "application/json", bytes.NewReader(body))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("duplicate register status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// Wrong password fails closed.
	body, _ = json.Marshal(LoginRequest{Email: "ada@example.com", Password: "wrong-password"})
	resp, _ = http.Post(env.ts.URL+"/v1/auth/login", "application/json", bytes.NewReader(body))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// The token identifies the account.
	resp = env.do(t, http.MethodGet, "/v1/me", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", resp.StatusCode)
	}
	me := decodeBody(t, resp)
	if me["email"] != "ada@example.com" {
		t.Errorf("me email = %v", me["email"])
	}

	// No token, no access.
	resp = env.do(t, http.MethodGet, "/v1/me", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated me status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/files", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated files status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestFileLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "bob@example.com")

	stored := env.upload(t, token, "q1 sales.csv", salesCSV)
	if strings.Contains(stored, " ") {
		t.Errorf("stored name %q contains spaces", stored)
	}

	// The upload shows up in the listing.
	resp := env.do(t, http.MethodGet, "/v1/files", token, nil, "")
	listing := decodeBody(t, resp)
	files, _ := listing["files"].([]any)
	if len(files) != 1 {
		t.Fatalf("files = %v, want one entry", listing)
	}

	// Direct analytics over the stored file.
	resp = env.do(t, http.MethodGet, "/v1/analytics/"+stored, token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analytics status = %d", resp.StatusCode)
	}
	report := decodeBody(t, resp)
	if got := report["total_rows"]; got != float64(6) {
		t.Errorf("total_rows = %v, want 6", got)
	}

	// Another account cannot touch it.
	otherToken := env.register(t, "eve@example.com")
	resp = env.do(t, http.MethodGet, "/v1/analytics/"+stored, otherToken, nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-user analytics status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	// Delete, then the file is gone.
	resp = env.do(t, http.MethodDelete, "/v1/files/"+stored, token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	deleted := decodeBody(t, resp)
	if deleted["filename"] != stored {
		t.Errorf("delete response = %v", deleted)
	}

	resp = env.do(t, http.MethodGet, "/v1/analytics/"+stored, token, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("post-delete analytics status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/v1/files/"+stored, token, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUploadRejectsUnsupportedAndCorrupt(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "carl@example.com")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "notes.txt")
	io.WriteString(fw, "not a dataset")
	mw.Close()

	resp := env.do(t, http.MethodPost, "/v1/files", token, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("txt upload status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// An .xlsx that the parser cannot read is removed again.
	buf.Reset()
	mw = multipart.NewWriter(&buf)
	fw, _ = mw.CreateFormFile("file", "broken.xlsx")
	io.WriteString(fw, "this is not a spreadsheet")
	mw.Close()

	resp = env.do(t, http.MethodPost, "/v1/files", token, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("corrupt upload status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/files", token, nil, "")
	listing := decodeBody(t, resp)
	if files, _ := listing["files"].([]any); len(files) != 0 {
		t.Errorf("files after rejected uploads = %v, want none", files)
	}
}

func TestChatEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "dana@example.com")
	stored := env.upload(t, token, "sales.csv", salesCSV)

	env.client.queue(
		assistantToolCall("analyze_sales_file", map[string]any{"filename": stored}),
		assistantText("Your data shows **steady growth**."),
	)

	body, _ := json.Marshal(ChatRequest{Message: "How are my sales?", ConversationID: "conv-1"})
	resp := env.do(t, http.MethodPost, "/v1/chat", token, bytes.NewReader(body), "application/json")
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("chat status = %d: %s", resp.StatusCode, raw)
	}
	chat := decodeBody(t, resp)

	if chat["reply"] != "Your data shows **steady growth**." {
		t.Errorf("reply = %v", chat["reply"])
	}
	if html, _ := chat["reply_html"].(string); !strings.Contains(html, "<strong>steady growth</strong>") {
		t.Errorf("reply_html = %v, want rendered markdown", chat["reply_html"])
	}
	if chat["conversation_id"] != "conv-1" {
		t.Errorf("conversation_id = %v", chat["conversation_id"])
	}
	if calls, _ := chat["tools_called"].(map[string]any); calls["analyze_sales_file"] != float64(1) {
		t.Errorf("tools_called = %v", chat["tools_called"])
	}

	// Empty message is rejected before the loop runs.
	body, _ = json.Marshal(ChatRequest{Message: ""})
	resp = env.do(t, http.MethodPost, "/v1/chat", token, bytes.NewReader(body), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty chat status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUsageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "elsa@example.com")

	env.client.queue(assistantText("Hello!"))
	body, _ := json.Marshal(ChatRequest{Message: "Hi"})
	resp := env.do(t, http.MethodPost, "/v1/chat", token, bytes.NewReader(body), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/usage", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage status = %d", resp.StatusCode)
	}
	report := decodeBody(t, resp)
	summary, _ := report["summary"].(map[string]any)
	if summary["runs"] != float64(1) {
		t.Errorf("summary runs = %v, want 1", summary["runs"])
	}
	runs, _ := report["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("runs = %v, want one entry", report["runs"])
	}
	endpoints, _ := report["endpoints_today"].(map[string]any)
	if endpoints["chat"] != float64(1) {
		t.Errorf("endpoints_today chat = %v, want 1", endpoints["chat"])
	}
	if endpoints["usage"] != float64(1) {
		t.Errorf("endpoints_today usage = %v, want 1", endpoints["usage"])
	}

	// Limit validation.
	resp = env.do(t, http.MethodGet, "/v1/usage?limit=0", token, nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCacheStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "finn@example.com")

	resp := env.do(t, http.MethodGet, "/v1/cache/stats", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cache stats status = %d", resp.StatusCode)
	}
	stats := decodeBody(t, resp)
	if stats["enabled"] != true {
		t.Errorf("enabled = %v, want true", stats["enabled"])
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t)
	limiter := ratelimit.New(1, 1)
	env.srv.SetRateLimiter(limiter)

	if resp, err := http.Get(env.ts.URL + "/healthz"); err == nil {
		if resp.StatusCode != http.StatusOK {
			t.Errorf("first request status = %d", resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["error"]; got != "rate limit exceeded" {
		t.Errorf("error = %v", got)
	}
}

func TestRateLimitKeyedPerUser(t *testing.T) {
	env := newTestEnv(t)
	tokenA := env.register(t, "alba@example.com")
	tokenB := env.register(t, "bruno@example.com")
	env.srv.SetRateLimiter(ratelimit.New(1, 1))

	resp := env.do(t, http.MethodGet, "/v1/me", tokenA, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/me", tokenA, nil, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("repeat request status = %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()

	// Both callers share a loopback address; a separate account keeps
	// its own bucket.
	resp = env.do(t, http.MethodGet, "/v1/me", tokenB, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("other user status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}
