package chat

import (
	"context"
	"fmt"
	"testing"
)

func TestLoadHistoryReturnsLastNInOrder(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	sess, err := repo.ResolveOrCreate(ctx, 1, 1, "s1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 15; i++ {
		msg := &Message{SessionID: sess.ID, UserID: 1, Role: RoleUser, Content: fmt.Sprintf("m%d", i)}
		if err := repo.Append(ctx, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := repo.LoadHistory(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].Content != "m5" || msgs[9].Content != "m14" {
		t.Fatalf("window = %q .. %q", msgs[0].Content, msgs[9].Content)
	}
}

func TestResolveOrCreateScopesByUserAndCharacter(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	a, err := repo.ResolveOrCreate(ctx, 1, 1, "s1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// same key, different user or character gets a distinct session
	b, err := repo.ResolveOrCreate(ctx, 1, 2, "s1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	c, err := repo.ResolveOrCreate(ctx, 2, 1, "s1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.ID == b.ID || a.ID == c.ID || b.ID == c.ID {
		t.Fatalf("sessions not distinct: %d %d %d", a.ID, b.ID, c.ID)
	}

	again, err := repo.ResolveOrCreate(ctx, 1, 1, "s1")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again.ID != a.ID {
		t.Fatalf("same triple resolved to new session %d != %d", again.ID, a.ID)
	}
}

func TestClearHistoryRemovesSessionAndMessages(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	sess, err := repo.ResolveOrCreate(ctx, 1, 1, "s1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 3; i++ {
		msg := &Message{SessionID: sess.ID, UserID: 1, Role: RoleUser, Content: "x"}
		if err := repo.Append(ctx, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	removed, err := repo.ClearHistory(ctx, 1, 1, "s1")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d", removed)
	}

	var sessions, messages int64
	db.Model(&Session{}).Count(&sessions)
	db.Model(&Message{}).Count(&messages)
	if sessions != 0 || messages != 0 {
		t.Fatalf("leftovers: sessions=%d messages=%d", sessions, messages)
	}

	// clearing a missing session is a zero, not an error
	removed, err = repo.ClearHistory(ctx, 1, 1, "nope")
	if err != nil || removed != 0 {
		t.Fatalf("missing clear: removed=%d err=%v", removed, err)
	}
}

func TestStatsAndCharactersWithHistory(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	for _, charID := range []uint64{1, 1, 2} {
		key := fmt.Sprintf("s%d", charID)
		sess, err := repo.ResolveOrCreate(ctx, charID, 1, key)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		msg := &Message{SessionID: sess.ID, UserID: 1, Role: RoleUser, Content: "x"}
		if err := repo.Append(ctx, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ids, err := repo.CharacterIDsWithHistory(ctx, 1)
	if err != nil {
		t.Fatalf("characters with history: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}

	stats, err := repo.Stats(ctx, 1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Sessions != 2 || stats.Messages != 2 || stats.Characters != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	other, err := repo.Stats(ctx, 99)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if other.Sessions != 0 || other.Messages != 0 {
		t.Fatalf("foreign stats = %+v", other)
	}
}

func TestTurnReceipts(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	got, err := repo.FindReceipt(ctx, 1, "t1")
	if err != nil || got != nil {
		t.Fatalf("unseen id: %v %v", got, err)
	}

	if err := repo.SaveReceipt(ctx, &TurnReceipt{UserID: 1, TurnID: "t1", Reply: "reply"}); err != nil {
		t.Fatalf("save receipt: %v", err)
	}

	got, err = repo.FindReceipt(ctx, 1, "t1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.Reply != "reply" {
		t.Fatalf("got = %+v", got)
	}

	// the id is scoped per user
	got, err = repo.FindReceipt(ctx, 2, "t1")
	if err != nil || got != nil {
		t.Fatalf("foreign user matched: %v %v", got, err)
	}

	// a second receipt for the same (user, id) must not slip in
	if err := repo.SaveReceipt(ctx, &TurnReceipt{UserID: 1, TurnID: "t1", Reply: "other"}); err == nil {
		t.Fatal("duplicate receipt accepted")
	}
}
