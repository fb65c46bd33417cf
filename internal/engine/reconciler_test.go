package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragline/internal/chat"
	"ragline/internal/logging"
)

// fakePolls records poll loops started by the reconciler.
type fakePolls struct {
	mu      sync.Mutex
	started []string
	cancels map[string]*atomic.Int32
}

func newFakePolls() *fakePolls {
	return &fakePolls{cancels: make(map[string]*atomic.Int32)}
}

func (f *fakePolls) start(taskID string, _ time.Time) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, taskID)
	counter := &atomic.Int32{}
	f.cancels[taskID] = counter
	return func() { counter.Add(1) }
}

func (f *fakePolls) cancelCount(taskID string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	counter, ok := f.cancels[taskID]
	if !ok {
		return 0
	}
	return counter.Load()
}

func newTestReconciler(t *testing.T) (*Reconciler, *chat.MemoryStore, *fakePolls) {
	t.Helper()
	history := chat.NewMemoryStore()
	polls := newFakePolls()
	r := NewReconciler(history, polls.start, logging.Nop(), NewMetrics(nil))
	t.Cleanup(r.Close)
	return r, history, polls
}

// flush waits for every op posted before it by round-tripping the loop.
func flush(r *Reconciler) {
	r.InFlight()
}

func messagesOfKind(history *chat.MemoryStore, kind chat.Kind) []chat.Message {
	var out []chat.Message
	for _, msg := range history.Messages() {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func TestRegisterStartsPolling(t *testing.T) {
	r, _, polls := newTestReconciler(t)

	r.Register("T1", time.Now())
	flush(r)

	polls.mu.Lock()
	started := append([]string(nil), polls.started...)
	polls.mu.Unlock()
	assert.Equal(t, []string{"T1"}, started)
	assert.Equal(t, 1, r.InFlight())
}

func TestFirstTerminalEventWinsAndDuplicatesAreDiscarded(t *testing.T) {
	r, history, polls := newTestReconciler(t)

	handle := r.Register("T1", time.Now())

	r.HandleEvent(Event{TaskID: "T1", Status: StatusProcessing, Source: SourcePoll})
	r.HandleEvent(Event{TaskID: "T1", Status: StatusCompleted, Result: "42", Source: SourceChannel})
	// The losing observer reports afterwards; both must be discarded.
	r.HandleEvent(Event{TaskID: "T1", Status: StatusCompleted, Result: "different", Source: SourcePoll})
	r.HandleEvent(Event{TaskID: "T1", Status: StatusErrored, ErrorMessage: "boom", Source: SourcePoll})
	flush(r)

	<-handle.Done()
	status, source, ok := handle.Final()
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, SourceChannel, source)

	ai := messagesOfKind(history, chat.KindAi)
	require.Len(t, ai, 1)
	assert.Equal(t, "42", ai[0].Content)
	assert.Empty(t, messagesOfKind(history, chat.KindError))

	assert.Equal(t, int32(1), polls.cancelCount("T1"))
	assert.Equal(t, 0, r.InFlight())
}

func TestTimeoutWinsOverLateCompletion(t *testing.T) {
	r, history, _ := newTestReconciler(t)

	handle := r.Register("T2", time.Now())

	r.HandleEvent(Event{TaskID: "T2", Status: StatusTimedOut, ErrorMessage: timeoutMessage, Source: SourcePoll})
	r.HandleEvent(Event{TaskID: "T2", Status: StatusCompleted, Result: "too late", Source: SourceChannel})
	flush(r)

	<-handle.Done()
	status, _, ok := handle.Final()
	require.True(t, ok)
	assert.Equal(t, StatusTimedOut, status)

	errs := messagesOfKind(history, chat.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, timeoutMessage, errs[0].Content)
	assert.Empty(t, messagesOfKind(history, chat.KindAi))
}

func TestRaceResolutionFollowsProcessingOrder(t *testing.T) {
	r, history, _ := newTestReconciler(t)

	handle := r.Register("T3", time.Now())
	r.HandleEvent(Event{TaskID: "T3", Status: StatusCompleted, Result: "poll-first", Source: SourcePoll})
	r.HandleEvent(Event{TaskID: "T3", Status: StatusCompleted, Result: "channel-second", Source: SourceChannel})
	flush(r)

	<-handle.Done()
	_, source, _ := handle.Final()
	assert.Equal(t, SourcePoll, source)

	ai := messagesOfKind(history, chat.KindAi)
	require.Len(t, ai, 1)
	assert.Equal(t, "poll-first", ai[0].Content)
}

func TestProgressEventsAppendSystemEntriesWithoutDedup(t *testing.T) {
	r, history, _ := newTestReconciler(t)

	r.Register("T4", time.Now())
	r.HandleEvent(Event{TaskID: "T4", Status: StatusProcessing, Source: SourcePoll})
	r.HandleEvent(Event{TaskID: "T4", Status: StatusProcessing, Source: SourcePoll})
	r.HandleEvent(Event{TaskID: "T4", Status: StatusProcessing, Log: "reranking", Source: SourceChannel})
	flush(r)

	system := messagesOfKind(history, chat.KindSystem)
	require.Len(t, system, 3)
	assert.Equal(t, "reranking", system[2].Content)
}

func TestEmptyCompletionStillCompletes(t *testing.T) {
	r, history, _ := newTestReconciler(t)

	handle := r.Register("T5", time.Now())
	r.HandleEvent(Event{TaskID: "T5", Status: StatusCompleted, Source: SourceChannel})
	flush(r)

	<-handle.Done()
	status, _, ok := handle.Final()
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)

	ai := messagesOfKind(history, chat.KindAi)
	require.Len(t, ai, 1)
	assert.Contains(t, ai[0].Content, "T5")
	assert.Empty(t, messagesOfKind(history, chat.KindError))
}

func TestUnknownTaskEventsAreDropped(t *testing.T) {
	r, history, _ := newTestReconciler(t)

	r.HandleEvent(Event{TaskID: "ghost", Status: StatusCompleted, Result: "x", Source: SourceChannel})
	flush(r)

	assert.Empty(t, history.Messages())
	assert.Equal(t, 0, r.InFlight())
}

func TestBroadcastAppendsAiEntry(t *testing.T) {
	r, history, _ := newTestReconciler(t)

	r.HandleBroadcast("backend restarted")
	flush(r)

	ai := messagesOfKind(history, chat.KindAi)
	require.Len(t, ai, 1)
	assert.Equal(t, "backend restarted", ai[0].Content)
}

func TestCloseCancelsObserversAndDropsLaterEvents(t *testing.T) {
	history := chat.NewMemoryStore()
	polls := newFakePolls()
	r := NewReconciler(history, polls.start, logging.Nop(), NewMetrics(nil))

	h1 := r.Register("T6", time.Now())
	h2 := r.Register("T7", time.Now())
	flush(r)

	r.Close()
	r.Close() // idempotent

	<-h1.Done()
	<-h2.Done()
	_, _, settled := h1.Final()
	assert.False(t, settled)

	assert.Equal(t, int32(1), polls.cancelCount("T6"))
	assert.Equal(t, int32(1), polls.cancelCount("T7"))

	before := len(history.Messages())
	r.HandleEvent(Event{TaskID: "T6", Status: StatusCompleted, Result: "late", Source: SourcePoll})
	assert.Len(t, history.Messages(), before)
}

// panickySink blows up on a chosen append to prove one task's failure
// cannot poison the loop or other tasks.
type panickySink struct {
	inner   HistorySink
	blowOn  string
	tripped atomic.Bool
}

func (p *panickySink) Append(msg chat.Message) {
	if msg.Content == p.blowOn && !p.tripped.Swap(true) {
		panic("sink exploded")
	}
	p.inner.Append(msg)
}

func TestPanicWhileProcessingOneTaskDoesNotAffectOthers(t *testing.T) {
	history := chat.NewMemoryStore()
	sink := &panickySink{inner: history, blowOn: "kaboom"}
	polls := newFakePolls()
	r := NewReconciler(sink, polls.start, logging.Nop(), NewMetrics(nil))
	t.Cleanup(r.Close)

	hA := r.Register("A", time.Now())
	hB := r.Register("B", time.Now())

	// A's progress append panics once; B must settle untouched.
	r.HandleEvent(Event{TaskID: "A", Status: StatusProcessing, Log: "kaboom", Source: SourceChannel})
	r.HandleEvent(Event{TaskID: "B", Status: StatusCompleted, Result: "fine", Source: SourceChannel})
	r.HandleEvent(Event{TaskID: "A", Status: StatusCompleted, Result: "recovered", Source: SourcePoll})
	flush(r)

	<-hA.Done()
	<-hB.Done()

	ai := messagesOfKind(history, chat.KindAi)
	require.Len(t, ai, 2)
	assert.Equal(t, "fine", ai[0].Content)
	assert.Equal(t, "recovered", ai[1].Content)
}
