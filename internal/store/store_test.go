package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "synclan.db"), pslog.NoopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strp(s string) *string { return &s }

func TestDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	got, err := s.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got != nil {
		t.Fatalf("expected miss for unknown device, got %+v", got)
	}

	created, err := s.CreateDevice(ctx, Device{ID: "dev-a", Name: strp("laptop"), AutoMessageClean: 2})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if created.ID != "dev-a" || created.Name == nil || *created.Name != "laptop" {
		t.Fatalf("unexpected created device: %+v", created)
	}
	if created.AutoMessageClean != 2 {
		t.Fatalf("AutoMessageClean = %d, want 2", created.AutoMessageClean)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", created)
	}

	updated, err := s.UpdateDevice(ctx, "dev-a", DevicePatch{Avatar: strp("a.png")})
	if err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}
	if updated.Avatar == nil || *updated.Avatar != "a.png" {
		t.Fatalf("avatar not applied: %+v", updated)
	}
	if updated.Name == nil || *updated.Name != "laptop" {
		t.Fatalf("partial update clobbered name: %+v", updated)
	}

	if _, err := s.UpdateDevice(ctx, "nope", DevicePatch{Name: strp("x")}); err != ErrDeviceNotFound {
		t.Fatalf("UpdateDevice unknown id: err = %v, want ErrDeviceNotFound", err)
	}

	if _, err := s.CreateDevice(ctx, Device{ID: "dev-b"}); err != nil {
		t.Fatalf("CreateDevice dev-b: %v", err)
	}
	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("ListDevices returned %d devices, want 2", len(devices))
	}
}

func TestInsertMessageAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	var last int64
	for i := 0; i < 5; i++ {
		m, err := s.InsertMessage(ctx, Message{
			UUID: "u" + string(rune('a'+i)), Sender: "dev-a", Receiver: "dev-b",
			Type: TypeText, Content: strp("hi"),
		})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		if m.ID <= last {
			t.Fatalf("id %d not greater than previous %d", m.ID, last)
		}
		last = m.ID
	}

	if _, err := s.InsertMessage(ctx, Message{UUID: "bad", Sender: "a", Receiver: "b", Type: "voice"}); err == nil {
		t.Fatal("expected invalid message type to fail")
	}
}

func TestMessagesAfterReturnsBacklogNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	// Interleave two receivers so the backlog query must filter.
	ids := make(map[string]int64)
	for _, row := range []struct{ uuid, receiver string }{
		{"m1", "dev-b"}, {"m2", "dev-c"}, {"m3", "dev-b"},
		{"m4", "dev-b"}, {"m5", "dev-c"}, {"m6", "dev-b"},
	} {
		m, err := s.InsertMessage(ctx, Message{UUID: row.uuid, Sender: "dev-a", Receiver: row.receiver, Type: TypeText})
		if err != nil {
			t.Fatalf("InsertMessage %s: %v", row.uuid, err)
		}
		ids[row.uuid] = m.ID
	}

	backlog, err := s.MessagesAfter(ctx, "dev-b", ids["m1"])
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	want := []string{"m6", "m4", "m3"}
	if len(backlog) != len(want) {
		t.Fatalf("backlog has %d messages, want %d", len(backlog), len(want))
	}
	for i, uuid := range want {
		if backlog[i].UUID != uuid {
			t.Fatalf("backlog[%d].UUID = %s, want %s", i, backlog[i].UUID, uuid)
		}
		if backlog[i].Receiver != "dev-b" {
			t.Fatalf("backlog[%d] leaked receiver %s", i, backlog[i].Receiver)
		}
	}

	empty, err := s.MessagesAfter(ctx, "dev-b", ids["m6"])
	if err != nil {
		t.Fatalf("MessagesAfter at tip: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty backlog at tip, got %d messages", len(empty))
	}
}

func TestMessagesForPaginates(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for i := 0; i < 7; i++ {
		if _, err := s.InsertMessage(ctx, Message{
			UUID: "p" + string(rune('a'+i)), Sender: "dev-a", Receiver: "dev-b", Type: TypeText,
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	page1, total, err := s.MessagesFor(ctx, "dev-b", 1, 3)
	if err != nil {
		t.Fatalf("MessagesFor page 1: %v", err)
	}
	if total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}
	if len(page1) != 3 || page1[0].UUID != "pg" {
		t.Fatalf("page 1 unexpected: %+v", page1)
	}
	page3, _, err := s.MessagesFor(ctx, "dev-b", 3, 3)
	if err != nil {
		t.Fatalf("MessagesFor page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].UUID != "pa" {
		t.Fatalf("page 3 unexpected: %+v", page3)
	}
}

func TestAckCursorUpsert(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	c, err := s.GetAck(ctx, "dev-b")
	if err != nil {
		t.Fatalf("GetAck: %v", err)
	}
	if c != nil {
		t.Fatalf("expected nil cursor before any ack, got %+v", c)
	}

	if err := s.UpsertAck(ctx, "dev-b", 4); err != nil {
		t.Fatalf("UpsertAck: %v", err)
	}
	if err := s.UpsertAck(ctx, "dev-b", 9); err != nil {
		t.Fatalf("UpsertAck advance: %v", err)
	}
	c, err = s.GetAck(ctx, "dev-b")
	if err != nil {
		t.Fatalf("GetAck after upsert: %v", err)
	}
	if c == nil || c.LastAck != 9 {
		t.Fatalf("cursor = %+v, want last_ack 9", c)
	}
}

func TestPruneExpiredHonorsPerDevicePolicy(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if _, err := s.CreateDevice(ctx, Device{ID: "short", AutoMessageClean: 1}); err != nil {
		t.Fatalf("CreateDevice short: %v", err)
	}
	if _, err := s.CreateDevice(ctx, Device{ID: "keeper", AutoMessageClean: 0}); err != nil {
		t.Fatalf("CreateDevice keeper: %v", err)
	}

	// Backdate rows directly; InsertMessage always stamps now.
	now := time.Now()
	old := now.AddDate(0, 0, -10).UnixMilli()
	fresh := now.UnixMilli()
	for _, row := range []struct {
		uuid, receiver string
		created        int64
	}{
		{"old-short", "short", old},
		{"fresh-short", "short", fresh},
		{"old-keeper", "keeper", old},
	} {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (uuid, sender, receiver, msg_type, created_at) VALUES (?, 'dev-a', ?, 'text', ?)`,
			row.uuid, row.receiver, row.created); err != nil {
			t.Fatalf("seed %s: %v", row.uuid, err)
		}
	}

	removed, err := s.PruneExpired(ctx, now)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	left, _, err := s.MessagesFor(ctx, "short", 1, 10)
	if err != nil {
		t.Fatalf("MessagesFor short: %v", err)
	}
	if len(left) != 1 || left[0].UUID != "fresh-short" {
		t.Fatalf("short retained %+v, want only fresh-short", left)
	}
	keeper, _, err := s.MessagesFor(ctx, "keeper", 1, 10)
	if err != nil {
		t.Fatalf("MessagesFor keeper: %v", err)
	}
	if len(keeper) != 1 {
		t.Fatalf("keeper lost messages despite disabled retention: %+v", keeper)
	}
}
