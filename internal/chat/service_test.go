package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/llm"
	"github.com/velora-ai/companion/internal/models"
	"github.com/velora-ai/companion/internal/subscription"
)

var testDBSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:chatsvc%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Subscription{}, &character.Character{}, &Session{}, &Message{}, &TurnReceipt{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeBackend struct {
	connected bool
	chunks    []string
	prompts   []string
	streamErr error
}

func (f *fakeBackend) CheckConnection(ctx context.Context) bool {
	_ = ctx
	return f.connected
}

func (f *fakeBackend) Stream(ctx context.Context, prompt string, p llm.Params) (<-chan string, <-chan error) {
	_ = ctx
	_ = p
	f.prompts = append(f.prompts, prompt)
	chunks := make(chan string, len(f.chunks))
	errs := make(chan error, 1)
	for _, c := range f.chunks {
		chunks <- c
	}
	if f.streamErr != nil {
		errs <- f.streamErr
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

func seedFixtures(t *testing.T, db *gorm.DB, tier models.SubscriptionTier) (uint64, *character.Character, *subscription.Service) {
	t.Helper()
	user := models.User{Email: "u@example.com", PasswordHash: "x", IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	ch := character.Character{Name: "anna", Prompt: "You are Anna."}
	if err := db.Create(&ch).Error; err != nil {
		t.Fatalf("create character: %v", err)
	}
	subs := subscription.NewService(db)
	if _, err := subs.Activate(context.Background(), user.ID, tier); err != nil {
		t.Fatalf("activate subscription: %v", err)
	}
	return user.ID, &ch, subs
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func concatChunks(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(ev.Chunk)
	}
	return b.String()
}

func creditsUsed(t *testing.T, db *gorm.DB, userID uint64) int {
	t.Helper()
	var sub models.Subscription
	if err := db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	return sub.CreditsUsed
}

func TestStreamTurnPersistentBuildsPromptAndDebits(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)
	repo := NewRepo(db)

	sess, err := repo.ResolveOrCreate(context.Background(), ch.ID, uid, "s1")
	if err != nil {
		t.Fatalf("resolve session: %v", err)
	}
	for _, m := range []Message{
		{SessionID: sess.ID, UserID: uid, Role: RoleUser, Content: "Hi"},
		{SessionID: sess.ID, UserID: uid, Role: RoleAssistant, Content: "Hello."},
	} {
		m := m
		if err := repo.Append(context.Background(), &m); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	backend := &fakeBackend{connected: true, chunks: []string{"I'm ", "doing well."}}
	svc := NewService(repo, subs, backend, 10, 0)

	events, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{
		Message:    "How are you?",
		SessionKey: "s1",
	})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	got := collect(t, events)
	if len(got) == 0 || !got[len(got)-1].Done {
		t.Fatalf("missing terminal event: %+v", got)
	}

	wantPrompt := "You are Anna.\n\n" +
		"### Instruction:\nHi\n\n### Response:\n" +
		"Hello.\n\n" +
		"### Instruction:\nHow are you?\n\n### Response:\n"
	if len(backend.prompts) != 1 || backend.prompts[0] != wantPrompt {
		t.Fatalf("prompt mismatch:\ngot:  %q\nwant: %q", backend.prompts, wantPrompt)
	}

	var msgs []Message
	if err := db.Where("session_id = ?", sess.ID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[2].Role != RoleUser || msgs[2].Content != "How are you?" {
		t.Fatalf("unexpected user msg: %+v", msgs[2])
	}
	if msgs[3].Role != RoleAssistant || msgs[3].Content != "I'm doing well." {
		t.Fatalf("unexpected assistant msg: %+v", msgs[3])
	}
	if got := creditsUsed(t, db, uid); got != subscription.MessageCost {
		t.Fatalf("credits_used = %d, want %d", got, subscription.MessageCost)
	}
}

func TestStreamTurnEphemeralWritesNothing(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)
	repo := NewRepo(db)

	backend := &fakeBackend{connected: true, chunks: []string{"Hey there."}}
	svc := NewService(repo, subs, backend, 10, 0)

	events, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{Message: "Hello Anna"})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	got := collect(t, events)
	if concatChunks(got) != "Hey there." {
		t.Fatalf("unexpected chunks: %+v", got)
	}

	var sessions, messages int64
	db.Model(&Session{}).Count(&sessions)
	db.Model(&Message{}).Count(&messages)
	if sessions != 0 || messages != 0 {
		t.Fatalf("ephemeral turn persisted state: sessions=%d messages=%d", sessions, messages)
	}
	if got := creditsUsed(t, db, uid); got != subscription.MessageCost {
		t.Fatalf("credits_used = %d, want %d", got, subscription.MessageCost)
	}
}

func TestStreamTurnEphemeralUsesClientHistory(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)

	backend := &fakeBackend{connected: true, chunks: []string{"Sure."}}
	svc := NewService(NewRepo(db), subs, backend, 10, 0)

	events, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{
		Message: "And then?",
		History: []HistoryEntry{
			{Role: RoleUser, Content: "Tell me a story"},
			{Role: RoleAssistant, Content: "Once upon a time."},
		},
	})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	collect(t, events)

	wantPrompt := "You are Anna.\n\n" +
		"### Instruction:\nTell me a story\n\n### Response:\n" +
		"Once upon a time.\n\n" +
		"### Instruction:\nAnd then?\n\n### Response:\n"
	if len(backend.prompts) != 1 || backend.prompts[0] != wantPrompt {
		t.Fatalf("prompt mismatch:\ngot:  %q", backend.prompts)
	}
}

func TestStreamTurnFallbackNoDebit(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)
	repo := NewRepo(db)

	backend := &fakeBackend{connected: false}
	svc := NewService(repo, subs, backend, 10, 0)

	events, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{
		Message:    "Hello?",
		SessionKey: "s1",
	})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	got := collect(t, events)
	if len(got) != 1 || !got[0].Done {
		t.Fatalf("expected one terminal event, got %+v", got)
	}
	want := "Hi! I'm anna. Unfortunately the generation server is unavailable."
	if got[0].Chunk != want {
		t.Fatalf("fallback reply = %q, want %q", got[0].Chunk, want)
	}

	var msgs []Message
	if err := db.Where("role = ?", RoleAssistant).Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != want {
		t.Fatalf("fallback not persisted: %+v", msgs)
	}
	if got := creditsUsed(t, db, uid); got != 0 {
		t.Fatalf("fallback turn debited %d credits", got)
	}
}

func TestStreamTurnBaseTierDegradesToEphemeral(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierBase)
	repo := NewRepo(db)

	backend := &fakeBackend{connected: true, chunks: []string{"Hi."}}
	svc := NewService(repo, subs, backend, 10, 0)

	events, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{
		Message:    "Hello",
		SessionKey: "s1",
	})
	if err != nil {
		t.Fatalf("base tier turn rejected: %v", err)
	}
	got := collect(t, events)
	if concatChunks(got) != "Hi." {
		t.Fatalf("unexpected chunks: %+v", got)
	}

	var sessions, messages int64
	db.Model(&Session{}).Count(&sessions)
	db.Model(&Message{}).Count(&messages)
	if sessions != 0 || messages != 0 {
		t.Fatalf("base tier turn persisted history: sessions=%d messages=%d", sessions, messages)
	}
	if got := creditsUsed(t, db, uid); got != subscription.MessageCost {
		t.Fatalf("credits_used = %d, want %d", got, subscription.MessageCost)
	}
}

func TestStreamTurnContinuationRepair(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)
	repo := NewRepo(db)

	sess, err := repo.ResolveOrCreate(context.Background(), ch.ID, uid, "s1")
	if err != nil {
		t.Fatalf("resolve session: %v", err)
	}
	last := Message{SessionID: sess.ID, UserID: uid, Role: RoleAssistant, Content: "She looked up, eyes wide"}
	if err := repo.Append(context.Background(), &last); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	backend := &fakeBackend{connected: true, chunks: []string{"and whispered something soft"}}
	svc := NewService(repo, subs, backend, 10, 0)

	events, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{
		Message:    "continue the story briefly",
		SessionKey: "s1",
	})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	got := collect(t, events)
	if concatChunks(got) != "and whispered something soft..." {
		t.Fatalf("streamed text = %q", concatChunks(got))
	}

	var msgs []Message
	if err := db.Where("session_id = ? AND role = ?", sess.ID, RoleAssistant).
		Order("id DESC").Limit(1).Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "and whispered something soft..." {
		t.Fatalf("persisted reply = %+v", msgs)
	}
}

func TestStreamTurnQuotaExceeded(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)

	if err := db.Model(&models.Subscription{}).
		Where("user_id = ?", uid).
		Update("credits_used", 6000).Error; err != nil {
		t.Fatalf("exhaust credits: %v", err)
	}

	svc := NewService(NewRepo(db), subs, &fakeBackend{connected: true}, 10, 0)
	_, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{Message: "Hello"})
	var quota *subscription.QuotaError
	if !errors.As(err, &quota) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if quota.Reason != subscription.DenyCreditsExhausted {
		t.Fatalf("reason = %q", quota.Reason)
	}
}

func TestStreamTurnMessageTooLong(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierBase)

	svc := NewService(NewRepo(db), subs, &fakeBackend{connected: true}, 10, 0)
	_, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{
		Message: strings.Repeat("a", 101),
	})
	var quota *subscription.QuotaError
	if !errors.As(err, &quota) || quota.Reason != subscription.DenyMessageTooLong {
		t.Fatalf("expected message_too_long, got %v", err)
	}
}

func TestStreamTurnMisconfiguredCharacter(t *testing.T) {
	db := openTestDB(t)
	uid, _, subs := seedFixtures(t, db, models.TierPremium)

	blank := &character.Character{ID: 99, Name: "ghost", Prompt: "   "}
	svc := NewService(NewRepo(db), subs, &fakeBackend{connected: true}, 10, 0)
	_, err := svc.StreamTurn(context.Background(), uid, blank, TurnRequest{Message: "hi"})
	if !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("expected ErrMisconfigured, got %v", err)
	}
}

func TestStreamTurnReplayByTurnID(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)
	repo := NewRepo(db)

	backend := &fakeBackend{connected: true, chunks: []string{"First answer."}}
	svc := NewService(repo, subs, backend, 10, 0)

	req := TurnRequest{Message: "Hello", SessionKey: "s1", TurnID: "turn-1"}
	events, err := svc.StreamTurn(context.Background(), uid, ch, req)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	collect(t, events)

	// same turn id replays the stored reply without another debit
	events, err = svc.StreamTurn(context.Background(), uid, ch, req)
	if err != nil {
		t.Fatalf("replay turn: %v", err)
	}
	got := collect(t, events)
	if concatChunks(got) != "First answer." {
		t.Fatalf("replayed reply = %q", concatChunks(got))
	}
	if len(backend.prompts) != 1 {
		t.Fatalf("replay hit the backend: %d prompts", len(backend.prompts))
	}
	if got := creditsUsed(t, db, uid); got != subscription.MessageCost {
		t.Fatalf("credits_used = %d, want %d", got, subscription.MessageCost)
	}

	var messages int64
	db.Model(&Message{}).Count(&messages)
	if messages != 2 {
		t.Fatalf("replay appended messages: %d", messages)
	}
}

func TestStreamTurnReplayWithoutSession(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)
	repo := NewRepo(db)

	backend := &fakeBackend{connected: true, chunks: []string{"Only answer."}}
	svc := NewService(repo, subs, backend, 10, 0)

	// No session key, so the turn writes no history rows. The turn id
	// still has to hold across a retry.
	req := TurnRequest{Message: "Hello", TurnID: "turn-9"}
	events, err := svc.StreamTurn(context.Background(), uid, ch, req)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	collect(t, events)

	events, err = svc.StreamTurn(context.Background(), uid, ch, req)
	if err != nil {
		t.Fatalf("retried turn: %v", err)
	}
	got := collect(t, events)
	if concatChunks(got) != "Only answer." {
		t.Fatalf("replayed reply = %q", concatChunks(got))
	}
	if len(backend.prompts) != 1 {
		t.Fatalf("retry hit the backend: %d prompts", len(backend.prompts))
	}
	if got := creditsUsed(t, db, uid); got != subscription.MessageCost {
		t.Fatalf("credits_used = %d, want %d", got, subscription.MessageCost)
	}
}

func TestStreamTurnLengthCapCountsRunes(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierBase)

	backend := &fakeBackend{connected: true, chunks: []string{"Hallo."}}
	svc := NewService(NewRepo(db), subs, backend, 10, 0)

	// 80 characters, 160 bytes. Base tier caps at 100 characters.
	events, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{
		Message: strings.Repeat("ü", 80),
	})
	if err != nil {
		t.Fatalf("multibyte message rejected: %v", err)
	}
	collect(t, events)

	_, err = svc.StreamTurn(context.Background(), uid, ch, TurnRequest{
		Message: strings.Repeat("ü", 101),
	})
	var quota *subscription.QuotaError
	if !errors.As(err, &quota) || quota.Reason != subscription.DenyMessageTooLong {
		t.Fatalf("expected message_too_long, got %v", err)
	}
}

func TestStreamTurnAdmissionBeforeCharacterConfig(t *testing.T) {
	db := openTestDB(t)
	uid, _, subs := seedFixtures(t, db, models.TierPremium)

	if err := db.Model(&models.Subscription{}).
		Where("user_id = ?", uid).
		Update("credits_used", 6000).Error; err != nil {
		t.Fatalf("exhaust credits: %v", err)
	}

	// Out of credits and a blank prompt: the quota answer wins.
	blank := &character.Character{ID: 99, Name: "ghost", Prompt: "   "}
	svc := NewService(NewRepo(db), subs, &fakeBackend{connected: true}, 10, 0)
	_, err := svc.StreamTurn(context.Background(), uid, blank, TurnRequest{Message: "hi"})
	var quota *subscription.QuotaError
	if !errors.As(err, &quota) || quota.Reason != subscription.DenyCreditsExhausted {
		t.Fatalf("expected credits_exhausted, got %v", err)
	}
}

func TestEventWireShapes(t *testing.T) {
	cases := []struct {
		ev   Event
		want string
	}{
		{Event{Chunk: "hello "}, `{"chunk":"hello ","done":false}`},
		{Event{Done: true}, `{"chunk":"","done":true}`},
		{Event{Error: "stream_aborted", Done: true}, `{"error":"stream_aborted","done":true}`},
	}
	for _, c := range cases {
		raw, err := json.Marshal(c.ev)
		if err != nil {
			t.Fatalf("marshal %+v: %v", c.ev, err)
		}
		if string(raw) != c.want {
			t.Fatalf("event %+v = %s, want %s", c.ev, raw, c.want)
		}
	}
}

func TestStreamTurnMidStreamErrorRepairsPartial(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)

	backend := &fakeBackend{
		connected: true,
		chunks:    []string{"The rain kept falling"},
		streamErr: errors.New("connection reset"),
	}
	svc := NewService(NewRepo(db), subs, backend, 10, 0)

	events, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{Message: "Hello"})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	got := collect(t, events)
	if concatChunks(got) != "The rain kept falling." {
		t.Fatalf("partial not repaired: %q", concatChunks(got))
	}
	if !got[len(got)-1].Done || got[len(got)-1].Error != "" {
		t.Fatalf("terminal event wrong: %+v", got[len(got)-1])
	}
}

func TestStreamTurnErrorBeforeOutput(t *testing.T) {
	db := openTestDB(t)
	uid, ch, subs := seedFixtures(t, db, models.TierPremium)

	backend := &fakeBackend{connected: true, streamErr: errors.New("boom")}
	svc := NewService(NewRepo(db), subs, backend, 10, 0)

	events, err := svc.StreamTurn(context.Background(), uid, ch, TurnRequest{Message: "Hello"})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	got := collect(t, events)
	if len(got) != 1 || got[0].Error != "stream_aborted" || !got[0].Done {
		t.Fatalf("expected stream_aborted event, got %+v", got)
	}
	if used := creditsUsed(t, db, uid); used != 0 {
		t.Fatalf("failed turn debited %d credits", used)
	}
}
