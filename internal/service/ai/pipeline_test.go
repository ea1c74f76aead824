package ai

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"aichatgo/internal/apperr"
	"aichatgo/internal/auth"
	"aichatgo/internal/config"
	"aichatgo/internal/models"
	"aichatgo/internal/ratelimit"
	"aichatgo/internal/service/chat"
	"aichatgo/internal/service/files"
	"aichatgo/internal/service/settings"
	"aichatgo/internal/storage"
)

// stubChatModel feeds canned chunks through a real eino stream.
type stubChatModel struct {
	chunks     []string
	recvErr    error
	genContent string
	genErr     error
}

func (s *stubChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if s.genErr != nil {
		return nil, s.genErr
	}
	return schema.AssistantMessage(s.genContent, nil), nil
}

func (s *stubChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](len(s.chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range s.chunks {
			sw.Send(schema.AssistantMessage(c, nil), nil)
		}
		if s.recvErr != nil {
			sw.Send(nil, s.recvErr)
		}
	}()
	return sr, nil
}

// failingChatModel rejects the stream at open time.
type failingChatModel struct {
	openErr error
}

func (f *failingChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, f.openErr
}

func (f *failingChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, f.openErr
}

func withStubModel(t *testing.T, m model.BaseChatModel) {
	t.Helper()
	prev := chatModelFactory
	chatModelFactory = func(ctx context.Context, apiKey, modelID string) (model.BaseChatModel, error) {
		return m, nil
	}
	t.Cleanup(func() { chatModelFactory = prev })
}

// recordingStore captures every flush of the assistant placeholder.
type recordingStore struct {
	*chat.Service
	mu      sync.Mutex
	flushes []string
}

func (r *recordingStore) UpdateMessageContent(ctx context.Context, messageID int64, content string) error {
	r.mu.Lock()
	r.flushes = append(r.flushes, content)
	r.mu.Unlock()
	return r.Service.UpdateMessageContent(ctx, messageID, content)
}

type testEnv struct {
	db       *sql.DB
	chat     *chat.Service
	store    *recordingStore
	settings *settings.Service
	identity auth.Identity
	conv     *models.Conversation
	pipeline *Pipeline
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEnv(t *testing.T, batchSize int, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := openTestDB(t)
	chatSvc := chat.NewService(db)

	user, err := chatSvc.RegisterUser(ctx, fmt.Sprintf("tester_%d", time.Now().UnixNano()), "pass123")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	identity := auth.Identity{UserID: user.ID, Username: user.Username}

	settingsSvc, err := settings.NewServiceWithKey(db, bytes.Repeat([]byte("k"), 32))
	if err != nil {
		t.Fatalf("init settings: %v", err)
	}
	if err := settingsSvc.Upsert(ctx, identity, "test-api-key", "gemini-2.5-flash"); err != nil {
		t.Fatalf("upsert settings: %v", err)
	}

	conv, err := chatSvc.CreateConversation(ctx, identity, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(100, time.Minute)
	}
	store := &recordingStore{Service: chatSvc}
	blobs := files.NewStore(db, t.TempDir(), "http://localhost:8090")
	return &testEnv{
		db:       db,
		chat:     chatSvc,
		store:    store,
		settings: settingsSvc,
		identity: identity,
		conv:     conv,
		pipeline: NewPipeline(store, settingsSvc, blobs, limiter, batchSize),
	}
}

func (e *testEnv) appendUserMessage(t *testing.T, content string) {
	t.Helper()
	if _, err := e.chat.AppendMessage(context.Background(), e.identity, e.conv.ID, models.RoleUser, content, nil); err != nil {
		t.Fatalf("append user message: %v", err)
	}
}

func (e *testEnv) assistantMessages(t *testing.T) []string {
	t.Helper()
	rows, err := e.db.Query(`SELECT content FROM messages WHERE conversation_id = ? AND role = ? ORDER BY id`, e.conv.ID, models.RoleAssistant)
	if err != nil {
		t.Fatalf("query messages: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			t.Fatalf("scan message: %v", err)
		}
		out = append(out, content)
	}
	return out
}

func TestGenerateStreamsAndPersists(t *testing.T) {
	env := newTestEnv(t, 5, nil)
	env.appendUserMessage(t, "Hello")
	withStubModel(t, &stubChatModel{chunks: []string{"Hi", " there", "!"}, genContent: "Friendly Greetings"})

	var ackID int64
	var deltas []string
	events := &StreamEvents{
		OnPlaceholder: func(m *models.Message) error {
			ackID = m.ID
			return nil
		},
		OnDelta: func(accumulated string) error {
			deltas = append(deltas, accumulated)
			return nil
		},
	}
	msg, title, err := env.pipeline.Generate(context.Background(), env.identity, env.conv.ID, events)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Content != "Hi there!" {
		t.Fatalf("unexpected reply content %q", msg.Content)
	}
	if ackID == 0 || msg.ID != ackID {
		t.Fatalf("placeholder id mismatch: ack %d, reply %d", ackID, msg.ID)
	}
	wantDeltas := []string{"Hi", "Hi there", "Hi there!"}
	if len(deltas) != len(wantDeltas) {
		t.Fatalf("expected %d deltas, got %v", len(wantDeltas), deltas)
	}
	for i, want := range wantDeltas {
		if deltas[i] != want {
			t.Fatalf("delta %d: got %q want %q", i, deltas[i], want)
		}
	}
	// Three chunks under a batch of five: only the final flush hits the store.
	if len(env.store.flushes) != 1 || env.store.flushes[0] != "Hi there!" {
		t.Fatalf("unexpected flushes: %v", env.store.flushes)
	}
	persisted := env.assistantMessages(t)
	if len(persisted) != 1 || persisted[0] != "Hi there!" {
		t.Fatalf("unexpected persisted messages: %v", persisted)
	}

	// First completed turn on a default-titled conversation suggests a title.
	if title != "Friendly Greetings" {
		t.Fatalf("expected suggested title, got %q", title)
	}
	conv, err := env.chat.GetConversation(context.Background(), env.identity, env.conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Title != "Friendly Greetings" {
		t.Fatalf("expected conversation renamed, got %q", conv.Title)
	}
}

func TestGenerateBatchFlushCadence(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	env.appendUserMessage(t, "count for me")
	chunks := []string{"1", "2", "3", "4", "5", "6", "7"}
	withStubModel(t, &stubChatModel{chunks: chunks, genContent: "Counting"})

	msg, _, err := env.pipeline.Generate(context.Background(), env.identity, env.conv.ID, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Content != "1234567" {
		t.Fatalf("unexpected content %q", msg.Content)
	}
	// Flushes after chunks 2, 4, 6 plus the final flush.
	want := []string{"12", "1234", "123456", "1234567"}
	if len(env.store.flushes) != len(want) {
		t.Fatalf("expected %d flushes, got %v", len(want), env.store.flushes)
	}
	for i, w := range want {
		if env.store.flushes[i] != w {
			t.Fatalf("flush %d: got %q want %q", i, env.store.flushes[i], w)
		}
	}
}

func TestGenerateOpenFailureLeavesNoPlaceholder(t *testing.T) {
	env := newTestEnv(t, 5, nil)
	env.appendUserMessage(t, "Hello")
	withStubModel(t, &failingChatModel{openErr: genai.APIError{Code: 401, Message: "bad key"}})

	_, _, err := env.pipeline.Generate(context.Background(), env.identity, env.conv.ID, nil)
	if !apperr.Is(err, apperr.InvalidAPIKey) {
		t.Fatalf("expected InvalidAPIKey, got %v", err)
	}
	if got := env.assistantMessages(t); len(got) != 0 {
		t.Fatalf("expected no assistant placeholder, got %v", got)
	}
}

func TestGenerateMidStreamErrorKeepsPartial(t *testing.T) {
	env := newTestEnv(t, 1, nil)
	env.appendUserMessage(t, "Hello")
	withStubModel(t, &stubChatModel{
		chunks:  []string{"Hello ", "wor"},
		recvErr: genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"},
	})

	_, _, err := env.pipeline.Generate(context.Background(), env.identity, env.conv.ID, nil)
	if !apperr.Is(err, apperr.QuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
	persisted := env.assistantMessages(t)
	if len(persisted) != 1 || persisted[0] != "Hello wor" {
		t.Fatalf("expected partial content to survive, got %v", persisted)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	env := newTestEnv(t, 5, ratelimit.NewMemoryLimiter(1, time.Minute))
	env.appendUserMessage(t, "first")
	withStubModel(t, &stubChatModel{chunks: []string{"ok"}, genContent: "Title"})

	if _, _, err := env.pipeline.Generate(context.Background(), env.identity, env.conv.ID, nil); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	env.appendUserMessage(t, "second")
	_, _, err := env.pipeline.Generate(context.Background(), env.identity, env.conv.ID, nil)
	if !apperr.Is(err, apperr.RateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
}

func TestGenerateWithoutSettings(t *testing.T) {
	env := newTestEnv(t, 5, nil)
	env.appendUserMessage(t, "Hello")
	if err := env.settings.Delete(context.Background(), env.identity); err != nil {
		t.Fatalf("delete settings: %v", err)
	}
	_, _, err := env.pipeline.Generate(context.Background(), env.identity, env.conv.ID, nil)
	if !apperr.Is(err, apperr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestGenerateUnsupportedStoredModel(t *testing.T) {
	env := newTestEnv(t, 5, nil)
	env.appendUserMessage(t, "Hello")
	if err := env.settings.Upsert(context.Background(), env.identity, "test-api-key", "gemini-9"); err != nil {
		t.Fatalf("upsert settings: %v", err)
	}
	withStubModel(t, &stubChatModel{chunks: []string{"ok"}})

	_, _, err := env.pipeline.Generate(context.Background(), env.identity, env.conv.ID, nil)
	if !apperr.Is(err, apperr.InvalidModel) {
		t.Fatalf("expected InvalidModel, got %v", err)
	}
	if got := env.assistantMessages(t); len(got) != 0 {
		t.Fatalf("expected no assistant placeholder, got %v", got)
	}
}

func TestGenerateGateRejectsForeignConversation(t *testing.T) {
	env := newTestEnv(t, 5, nil)
	env.appendUserMessage(t, "Hello")
	other, err := env.chat.RegisterUser(context.Background(), fmt.Sprintf("other_%d", time.Now().UnixNano()), "pass123")
	if err != nil {
		t.Fatalf("register other user: %v", err)
	}
	otherIdentity := auth.Identity{UserID: other.ID, Username: other.Username}
	withStubModel(t, &stubChatModel{chunks: []string{"ok"}})

	_, _, err = env.pipeline.Generate(context.Background(), otherIdentity, env.conv.ID, nil)
	if !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if got := env.assistantMessages(t); len(got) != 0 {
		t.Fatalf("expected no side effects, got %v", got)
	}
}

func TestGenerateNoTitleSuggestionAfterFirstTurn(t *testing.T) {
	env := newTestEnv(t, 5, nil)
	env.appendUserMessage(t, "Hello")
	if _, err := env.chat.AppendMessage(context.Background(), env.identity, env.conv.ID, models.RoleAssistant, "earlier reply", nil); err != nil {
		t.Fatalf("append assistant message: %v", err)
	}
	env.appendUserMessage(t, "And again")
	withStubModel(t, &stubChatModel{chunks: []string{"sure"}, genContent: "Should Not Appear"})

	_, title, err := env.pipeline.Generate(context.Background(), env.identity, env.conv.ID, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if title != "" {
		t.Fatalf("expected no title suggestion, got %q", title)
	}
}
