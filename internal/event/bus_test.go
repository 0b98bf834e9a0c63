package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	oxyerrors "github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/logging"
)

func idPayload(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%d}`, i))
}

func payloadID(t *testing.T, ev RequestEvent) int {
	t.Helper()
	var p struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		t.Fatalf("bad payload %s: %v", ev.Data, err)
	}
	return p.ID
}

func TestBus_KeepsMostRecentHundred(t *testing.T) {
	bus := NewBus()
	for i := 1; i <= 150; i++ {
		bus.Record(KindRequest, idPayload(i))
	}

	var replayed []RequestEvent
	unsubscribe := bus.Subscribe(func(ev RequestEvent) error {
		replayed = append(replayed, ev)
		return nil
	})
	defer unsubscribe()

	if len(replayed) != 100 {
		t.Fatalf("replayed %d events, want 100", len(replayed))
	}
	for i, ev := range replayed {
		if got, want := payloadID(t, ev), 51+i; got != want {
			t.Fatalf("replay[%d] id = %d, want %d", i, got, want)
		}
	}
	if len(bus.History()) != 100 {
		t.Errorf("History() length = %d, want 100", len(bus.History()))
	}
}

func TestBus_ReplayThenLive(t *testing.T) {
	bus := NewBus()
	bus.Record(KindRequest, idPayload(1))
	bus.Record(KindSubrequest, idPayload(2))

	var got []int
	unsubscribe := bus.Subscribe(func(ev RequestEvent) error {
		got = append(got, payloadID(t, ev))
		return nil
	})

	bus.Record(KindRequest, idPayload(3))
	unsubscribe()
	bus.Record(KindRequest, idPayload(4))

	want := []int{1, 2, 3}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("received %v, want %v", got, want)
	}
}

func TestBus_UnsubscribeTwice(t *testing.T) {
	bus := NewBus()
	unsubA := bus.Subscribe(func(RequestEvent) error { return nil })
	unsubB := bus.Subscribe(func(RequestEvent) error { return nil })

	unsubA()
	unsubA()
	if bus.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}
	unsubB()
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", bus.SubscriberCount())
	}
}

func TestBus_BrokenSubscriberIsDropped(t *testing.T) {
	bus := NewBus()

	var healthy int
	bus.Subscribe(func(RequestEvent) error {
		return errors.New("broken pipe")
	})
	bus.Subscribe(func(RequestEvent) error {
		panic("handler bug")
	})
	bus.Subscribe(func(RequestEvent) error {
		healthy++
		return nil
	})

	bus.Record(KindRequest, idPayload(1))
	bus.Record(KindRequest, idPayload(2))

	if healthy != 2 {
		t.Errorf("healthy subscriber received %d events, want 2", healthy)
	}
	if bus.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}
}

func TestBus_DroppedSubscriberLogLevel(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.NewLogger(dir, logging.LevelDebug, logging.DefaultRotationConfig())
	if err != nil {
		t.Fatal(err)
	}
	bus := NewBus(WithLogger(logger))

	bus.Subscribe(func(RequestEvent) error { return errStreamBehind })
	bus.Subscribe(func(RequestEvent) error { return errors.New("encode failed") })
	bus.Subscribe(func(RequestEvent) error { panic("handler bug") })
	bus.Record(KindRequest, idPayload(1))
	_ = logger.Close()

	data, err := os.ReadFile(filepath.Join(dir, logging.LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	levels := map[float64]string{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if entry["msg"] != "subscriber deregistered" {
			continue
		}
		id, _ := entry["subscriber"].(float64)
		levels[id], _ = entry["level"].(string)
	}

	want := map[float64]string{1: "DEBUG", 2: "WARN", 3: "ERROR"}
	for id, level := range want {
		if levels[id] != level {
			t.Errorf("subscriber %v logged at %q, want %q", id, levels[id], level)
		}
	}
	if !oxyerrors.Is(errStreamBehind, oxyerrors.ErrSubscriberGone) {
		t.Error("errStreamBehind should match ErrSubscriberGone")
	}
}

func TestBus_FailingReplayNeverRegisters(t *testing.T) {
	bus := NewBus()
	bus.Record(KindRequest, idPayload(1))

	unsubscribe := bus.Subscribe(func(RequestEvent) error { return errors.New("closed") })
	unsubscribe()

	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", bus.SubscriberCount())
	}
}

func TestBus_ClearKeepsSubscribers(t *testing.T) {
	bus := NewBus()
	var live int
	bus.Subscribe(func(RequestEvent) error {
		live++
		return nil
	})

	bus.Record(KindRequest, idPayload(1))
	bus.Clear()
	if len(bus.History()) != 0 {
		t.Errorf("History() after Clear = %d entries", len(bus.History()))
	}

	bus.Record(KindRequest, idPayload(2))
	if live != 2 {
		t.Errorf("subscriber received %d events, want 2", live)
	}
	if len(bus.History()) != 1 {
		t.Errorf("History() = %d entries, want 1", len(bus.History()))
	}
}

func TestBus_ConcurrentRecordPreservesSequence(t *testing.T) {
	bus := NewBus(WithCapacity(1000))

	var mu sync.Mutex
	var seen []uint64
	bus.Subscribe(func(ev RequestEvent) error {
		mu.Lock()
		seen = append(seen, ev.Seq)
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 50 {
				bus.Record(KindSubrequest, idPayload(w*100+i))
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != 400 {
		t.Fatalf("saw %d events, want 400", len(seen))
	}
	for i, seq := range seen {
		if seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d; delivery out of order", i, seq)
		}
	}
	history := bus.History()
	for i := 1; i < len(history); i++ {
		if history[i].Seq <= history[i-1].Seq {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

func TestKind_Name(t *testing.T) {
	tests := map[Kind]string{
		KindRequest:    "Request",
		KindSubrequest: "Sub request",
		Kind("custom"): "custom",
	}
	for kind, want := range tests {
		if got := kind.Name(); got != want {
			t.Errorf("%q.Name() = %q, want %q", kind, got, want)
		}
	}
}
