package domain

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func mustUnmarshal(t *testing.T, raw string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
}

func TestRef_UnmarshalShapes(t *testing.T) {
	cases := map[string]Ref{
		`"u1"`:                      "u1",
		`{"_id":"u2","name":"Ann"}`: "u2",
		`{"id":"u3"}`:               "u3",
		`{"_id":{"_id":"u4"}}`:      "u4",
		`null`:                      "",
		`42`:                        "42",
	}
	for raw, want := range cases {
		var r Ref
		mustUnmarshal(t, raw, &r)
		if r != want {
			t.Fatalf("%s: ref = %q, want %q", raw, r, want)
		}
	}

	var r Ref
	if err := json.Unmarshal([]byte(`[1]`), &r); err == nil {
		t.Fatalf("array ref should fail")
	}
}

func TestMessage_UnmarshalBackendPayload(t *testing.T) {
	raw := `{
		"_id": "srv-1",
		"from_user_id": {"_id": "u1", "full_name": "Ann"},
		"recipient_id": "u2",
		"text": "hi",
		"message_url": "https://cdn/x.webp",
		"createdAt": "2025-03-01T10:00:00.000Z",
		"delivered": false,
		"delivered_at": null,
		"read": true,
		"read_at": "2025-03-01T10:00:05.000Z"
	}`
	var m Message
	mustUnmarshal(t, raw, &m)

	if m.ServerID != "srv-1" || m.FromUserID != "u1" || m.ToUserID != "u2" {
		t.Fatalf("ids: %+v", m)
	}
	if want := []string{"https://cdn/x.webp"}; !reflect.DeepEqual(m.MediaRefs, want) {
		t.Fatalf("media = %v, want %v", m.MediaRefs, want)
	}
	if want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC); !m.CreatedAt.UTC().Equal(want) {
		t.Fatalf("createdAt = %v, want %v", m.CreatedAt, want)
	}
	if m.Outgoing != nil {
		t.Fatalf("outgoing omitted by backend must stay unknown")
	}

	// read implies delivered
	if !m.Delivered || m.DeliveredAt == nil {
		t.Fatalf("read without delivered: %+v", m)
	}
	if m.Status() != StatusRead {
		t.Fatalf("status = %q", m.Status())
	}
}

func TestMessage_UnmarshalIDAlias(t *testing.T) {
	var m Message
	mustUnmarshal(t, `{"id":"srv-9","sender_id":"u1","to":"u2"}`, &m)
	if m.ID() != "srv-9" || !m.HasID("srv-9") {
		t.Fatalf("id alias not honoured: %+v", m)
	}
	if m.HasID("") {
		t.Fatalf("empty id never matches")
	}
}

func TestMessage_ApplyStatusIsMonotonic(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := Message{ServerID: "m1"}

	read := m.ApplyStatus(StatusRead, t0)
	if !read.Read || !read.Delivered || read.DeliveredAt == nil {
		t.Fatalf("read = %+v", read)
	}
	if !read.ReadAt.Equal(t0) {
		t.Fatalf("ReadAt = %v, want %v", read.ReadAt, t0)
	}

	again := read.ApplyStatus(StatusDelivered, t0.Add(time.Hour))
	if !again.Read {
		t.Fatalf("delivered after read must not regress")
	}
	if !again.DeliveredAt.Equal(t0) {
		t.Fatalf("existing timestamp replaced: %v", again.DeliveredAt)
	}

	// the original is untouched
	if m.Read || m.DeliveredAt != nil {
		t.Fatalf("receiver mutated: %+v", m)
	}
}

func TestMessage_MergeKeepsOutgoingAndStatus(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	local := Message{ClientID: "c1", Text: "hey", Outgoing: Bool(true), CreatedAt: t0}
	local = local.ApplyStatus(StatusDelivered, t0)

	server := Message{ServerID: "s1", Text: "hey", Outgoing: Bool(false), CreatedAt: t0.Add(time.Second)}
	merged := local.Merge(server)

	if merged.ServerID != "s1" || merged.ClientID != "c1" {
		t.Fatalf("ids = %q/%q", merged.ServerID, merged.ClientID)
	}
	if !merged.IsOutgoing() {
		t.Fatalf("outgoing is immutable once set")
	}
	if !merged.Delivered {
		t.Fatalf("status regressed on merge")
	}
	if !merged.CreatedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("createdAt = %v", merged.CreatedAt)
	}
}

func TestMessage_WithStatusOf(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := Message{ServerID: "m1", Text: "edited", CreatedAt: t0}
	old := Message{ServerID: "m1", Text: "hi", CreatedAt: t0}.ApplyStatus(StatusRead, t0.Add(time.Minute))

	got := fresh.WithStatusOf(old)
	if !got.Read || !got.Delivered || !got.ReadAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("status not folded: %+v", got)
	}
	if got.Text != "edited" {
		t.Fatalf("content must come from the receiver, got %q", got.Text)
	}
	if back := old.WithStatusOf(fresh); !back.Read {
		t.Fatalf("unread copy regressed read status")
	}
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus(" Read ")
	if !ok || st != StatusRead {
		t.Fatalf("ParseStatus = %q, %v", st, ok)
	}
	if _, ok = ParseStatus("seen"); ok {
		t.Fatalf("unknown status accepted")
	}
	if StatusRead.Rank() <= StatusDelivered.Rank() || StatusDelivered.Rank() <= StatusNone.Rank() {
		t.Fatalf("ranks out of order")
	}
}

func TestEnvelope_TargetMessageID(t *testing.T) {
	var e Envelope
	mustUnmarshal(t, `{"type":"messageStatus","messageId":{"_id":"m7"},"status":"read"}`, &e)
	if e.Type != EventMessageStatus || e.TargetMessageID() != "m7" {
		t.Fatalf("envelope = %+v", e)
	}

	var alt Envelope
	mustUnmarshal(t, `{"type":"messageStatus","_id":"m8","status":"delivered"}`, &alt)
	if alt.TargetMessageID() != "m8" {
		t.Fatalf("target = %q", alt.TargetMessageID())
	}
}
