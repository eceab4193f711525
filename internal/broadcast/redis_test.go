package broadcast

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/ws"
)

func newTestBroadcaster() *RedisBroadcaster {
	return NewRedisBroadcaster(nil, ws.NewRegistry(), zerolog.New(io.Discard))
}

func relayPayload(t *testing.T, doc, op, site string) string {
	t.Helper()
	frame, err := json.Marshal(ws.Message{})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	payload, err := json.Marshal(relayMessage{
		Document:   types.DocumentID(doc),
		Operation:  types.OperationID(op),
		Site:       types.SiteID(site),
		Frame:      frame,
		EnqueuedAt: time.Now().UnixNano(),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return string(payload)
}

func TestProcessRejectsIncompletePayloads(t *testing.T) {
	b := newTestBroadcaster()

	if err := b.process(&redis.Message{Payload: "{not json"}); err == nil {
		t.Fatal("malformed payload accepted")
	}
	missing, _ := json.Marshal(relayMessage{Document: "doc-1"})
	if err := b.process(&redis.Message{Payload: string(missing)}); err == nil {
		t.Fatal("payload without operation id accepted")
	}
}

func TestProcessDeduplicates(t *testing.T) {
	b := newTestBroadcaster()
	payload := relayPayload(t, "doc-1", "op-1", "site-1")

	if err := b.process(&redis.Message{Payload: payload}); err != nil {
		t.Fatalf("first delivery errored: %v", err)
	}
	if !b.isDuplicate("doc-1", "op-1") {
		t.Fatal("processed operation not recorded as seen")
	}
	// Redelivery is swallowed silently.
	if err := b.process(&redis.Message{Payload: payload}); err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}
}

func TestIsDuplicateExpires(t *testing.T) {
	b := newTestBroadcaster()
	b.dedupeTTL = 10 * time.Millisecond

	if b.isDuplicate("doc-1", "op-1") {
		t.Fatal("first sighting flagged as duplicate")
	}
	if !b.isDuplicate("doc-1", "op-1") {
		t.Fatal("immediate resend not flagged")
	}
	if b.isDuplicate("doc-1", "op-2") {
		t.Fatal("distinct operation flagged as duplicate")
	}

	time.Sleep(20 * time.Millisecond)
	if b.isDuplicate("doc-1", "op-1") {
		t.Fatal("expired entry still flagged as duplicate")
	}
}

func TestMinDuration(t *testing.T) {
	if got := minDuration(time.Second, 2*time.Second); got != time.Second {
		t.Fatalf("minDuration = %v", got)
	}
	if got := minDuration(time.Minute, time.Second); got != time.Second {
		t.Fatalf("minDuration = %v", got)
	}
}
