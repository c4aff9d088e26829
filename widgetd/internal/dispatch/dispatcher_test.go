package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/widgetd/dbopen"
	"github.com/hazyhaar/widgetd/extraction"
	"github.com/hazyhaar/widgetd/observability"
	"github.com/hazyhaar/widgetd/renderer"
	"github.com/hazyhaar/widgetd/renderer/fake"
	"github.com/hazyhaar/widgetd/widget"
	"github.com/hazyhaar/widgetd/widgetd/internal/registry"
	"github.com/hazyhaar/widgetd/widgetd/internal/schedule"
	"github.com/hazyhaar/widgetd/widgetd/internal/store"
)

type harness struct {
	t     *testing.T
	store *store.Store
	rend  *fake.Renderer
	reg   *registry.Registry
	queue *Queue
	disp  *Dispatcher
	inc   int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t}
	h.store = store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	h.queue = NewQueue(QueueConfig{Capacity: 16, EnqueueTimeout: 50 * time.Millisecond}, nil)
	h.rend = fake.New(renderer.Callbacks{})
	h.reg = registry.New(h.rend, registry.EditionBase)
	opts = append([]Option{WithIncarnations(func() string {
		h.inc++
		return fmt.Sprintf("inc-%d", h.inc)
	})}, opts...)
	h.disp = New(h.queue, h.store, h.reg, opts...)
	return h
}

// do validates ev like the queue would and handles it synchronously.
func (h *harness) do(mk func(chan<- Outcome) Event) (any, error) {
	h.t.Helper()
	reply := make(chan Outcome, 1)
	ev := mk(reply)
	if err := ev.validate(); err != nil {
		return nil, err
	}
	h.disp.Handle(context.Background(), ev)
	out := <-reply
	return out.Value, out.Err
}

func (h *harness) send(ev Event) {
	h.t.Helper()
	if err := ev.validate(); err != nil {
		h.t.Fatalf("validate %s: %v", ev.Kind(), err)
	}
	h.disp.Handle(context.Background(), ev)
}

func (h *harness) create(id string, src widget.ContentSource, mods ...widget.Modifier) (*WidgetState, error) {
	h.t.Helper()
	c := widget.Config{ID: id, Source: src}
	c.Normalize()
	v, err := h.do(func(r chan<- Outcome) Event {
		return CreateWidget{Config: c, Modifiers: mods, Reply: r}
	})
	if err != nil {
		return nil, err
	}
	return v.(*WidgetState), nil
}

func (h *harness) mustCreate(id string, mods ...widget.Modifier) *WidgetState {
	h.t.Helper()
	st, err := h.create(id, widget.URL("https://example.com/"+id), mods...)
	if err != nil {
		h.t.Fatalf("create %s: %v", id, err)
	}
	return st
}

func fire(widgetID string, m widget.Modifier, at time.Time) ModifierFire {
	m.WidgetID = widgetID
	if m.ID == "" {
		m.ID = "mod_test"
	}
	return ModifierFire{Fire: schedule.Fire{WidgetID: widgetID, Modifier: m, FiredAt: at, Interval: m.Interval(time.Minute)}}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCreateWidget(t *testing.T) {
	h := newHarness(t)
	st := h.mustCreate("w1", widget.Refresh(5))

	if st.SurfaceID == "" || !st.Open || !st.Visible {
		t.Fatalf("state: %+v", st)
	}
	if st.Config.Incarnation != "inc-1" {
		t.Errorf("Incarnation: got %q", st.Config.Incarnation)
	}
	stored, err := h.store.GetWidget(context.Background(), "w1")
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Open || stored.Incarnation != "inc-1" {
		t.Errorf("stored: %+v", stored)
	}
	mods, _ := h.store.ListModifiers(context.Background(), "w1")
	if len(mods) != 1 {
		t.Errorf("modifiers: got %d", len(mods))
	}
}

func TestCreateWidget_DuplicateScenario(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("A")

	_, err := h.create("A", widget.Inline("<p>other</p>"))
	if !widget.IsDuplicate(err) {
		t.Fatalf("second create: got %v, want DuplicateWidgetIDError", err)
	}
	if h.reg.Len() != 1 {
		t.Fatalf("registry: %d entries", h.reg.Len())
	}
	if h.rend.Live() != 1 || len(h.rend.Opened()) != 1 {
		t.Fatalf("a surface was created for the duplicate: live=%d opened=%v", h.rend.Live(), h.rend.Opened())
	}
	all, _ := h.store.ListWidgets(context.Background())
	if len(all) != 1 || all[0].Source.Kind != widget.SourceURL {
		t.Fatalf("stored widgets: %+v", all)
	}
}

func TestCreateWidget_DuplicateOfClosedWidget(t *testing.T) {
	h := newHarness(t)
	st := h.mustCreate("A")
	h.send(WindowClosed{SurfaceID: st.SurfaceID})

	if _, err := h.create("A", widget.URL("https://example.org")); !widget.IsDuplicate(err) {
		t.Fatalf("got %v, want DuplicateWidgetIDError", err)
	}
	if h.reg.Len() != 0 {
		t.Fatalf("registry: %d entries", h.reg.Len())
	}
}

func TestCreateWidget_Limit(t *testing.T) {
	h := newHarness(t)
	if _, err := h.create(widget.ControlsID, widget.Inline("<p>controls</p>")); err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		h.mustCreate(fmt.Sprintf("w%d", i))
	}
	_, err := h.create("w3", widget.URL("https://example.com"))
	if !widget.IsLimitExceeded(err) {
		t.Fatalf("got %v, want LimitExceededError", err)
	}
	if _, err := h.store.GetWidget(context.Background(), "w3"); !widget.IsNotFound(err) {
		t.Fatalf("rejected widget was stored: %v", err)
	}
}

func TestCreateWidget_LimitCountsClosedWidgets(t *testing.T) {
	h := newHarness(t)
	var first *WidgetState
	for i := range 3 {
		st := h.mustCreate(fmt.Sprintf("w%d", i))
		if i == 0 {
			first = st
		}
	}
	h.send(WindowClosed{SurfaceID: first.SurfaceID})

	if _, err := h.create("w3", widget.URL("https://example.com")); !widget.IsLimitExceeded(err) {
		t.Fatalf("got %v, want LimitExceededError", err)
	}
	if _, err := h.create("w1", widget.URL("https://example.com")); !widget.IsDuplicate(err) {
		t.Fatalf("taken id at the cap: got %v, want DuplicateWidgetIDError", err)
	}
	if _, err := h.do(func(r chan<- Outcome) Event { return ToggleVisibility{WidgetID: "w0", Visible: true, Reply: r} }); err != nil {
		t.Fatalf("reopen at the cap: %v", err)
	}
}

func TestCreateWidget_SurfaceFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.rend.FailOpen["bad"] = true

	_, err := h.create("bad", widget.URL("https://example.com"), widget.Refresh(5))
	var tf *widget.TransportFailureError
	if !errors.As(err, &tf) {
		t.Fatalf("got %v, want TransportFailureError", err)
	}
	if _, err := h.store.GetWidget(context.Background(), "bad"); !widget.IsNotFound(err) {
		t.Fatalf("stored row left behind: %v", err)
	}
	mods, _ := h.store.ListModifiers(context.Background(), "bad")
	if len(mods) != 0 {
		t.Fatalf("modifiers left behind: %d", len(mods))
	}
}

func TestDeleteWidget_PurgeHistory(t *testing.T) {
	h := newHarness(t)
	st := h.mustCreate("w", widget.Refresh(5))
	h.send(ExtractionResult{Message: extraction.Found(extraction.Request{WidgetID: "w", Incarnation: st.Config.Incarnation}, "v", t0)})

	if _, err := h.do(func(r chan<- Outcome) Event { return DeleteWidget{WidgetID: "w", PurgeHistory: true, Reply: r} }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if h.reg.Len() != 0 || h.rend.Live() != 0 {
		t.Fatalf("runtime state left: reg=%d live=%d", h.reg.Len(), h.rend.Live())
	}
	mods, _ := h.store.ListModifiers(context.Background(), "w")
	hist, _ := h.store.ExtractionHistory(context.Background(), store.HistoryQuery{WidgetID: "w"})
	if len(mods) != 0 || len(hist) != 0 {
		t.Fatalf("left: mods=%d hist=%d", len(mods), len(hist))
	}
}

func TestDeleteWidget_KeepHistory(t *testing.T) {
	h := newHarness(t)
	st := h.mustCreate("w", widget.Scrape("h1", 0))
	h.send(ExtractionResult{Message: extraction.Found(extraction.Request{WidgetID: "w", Incarnation: st.Config.Incarnation}, "v", t0)})

	if _, err := h.do(func(r chan<- Outcome) Event { return DeleteWidget{WidgetID: "w", Reply: r} }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mods, _ := h.store.ListModifiers(context.Background(), "w")
	if len(mods) != 0 {
		t.Fatalf("modifiers left: %d", len(mods))
	}
	hist, _ := h.store.ExtractionHistory(context.Background(), store.HistoryQuery{WidgetID: "w"})
	if len(hist) != 1 || hist[0].Value != "v" {
		t.Fatalf("history: %+v", hist)
	}
	if _, err := h.store.GetWidget(context.Background(), "w"); !widget.IsNotFound(err) {
		t.Fatalf("widget still stored: %v", err)
	}
}

type failingDeleteStore struct {
	Store
}

func (failingDeleteStore) DeleteWidget(context.Context, string, bool) error {
	return errors.New("disk I/O error")
}

func TestDeleteWidget_StoreFailureKeepsSurface(t *testing.T) {
	h := newHarness(t)
	st := h.mustCreate("w")
	h.disp.store = failingDeleteStore{Store: h.store}

	if _, err := h.do(func(r chan<- Outcome) Event { return DeleteWidget{WidgetID: "w", PurgeHistory: true, Reply: r} }); err == nil {
		t.Fatal("delete should report the store failure")
	}
	if _, ok := h.reg.Get("w"); !ok {
		t.Fatal("surface torn down although the widget is still stored")
	}
	if h.rend.Surface(st.SurfaceID).Closed() {
		t.Fatal("surface closed")
	}
	stored, err := h.store.GetWidget(context.Background(), "w")
	if err != nil || !stored.Open {
		t.Fatalf("stored: %+v, %v", stored, err)
	}
}

func TestDeleteWidget_Unknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.do(func(r chan<- Outcome) Event { return DeleteWidget{WidgetID: "ghost", Reply: r} })
	if !widget.IsNotFound(err) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
}

func TestStaleExtractionAfterDeleteScenario(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("W2")
	if _, err := h.do(func(r chan<- Outcome) Event { return DeleteWidget{WidgetID: "W2", PurgeHistory: true, Reply: r} }); err != nil {
		t.Fatal(err)
	}

	msg, err := extraction.Decode(`{"widget_id":"W2","value":"value","error":null,"timestamp":1000}`)
	if err != nil {
		t.Fatal(err)
	}
	var handled error = errors.New("not handled")
	h.disp.observe = func(_ Event, err error) { handled = err }
	h.send(ExtractionResult{Message: msg})
	if handled != nil {
		t.Fatalf("stale result raised: %v", handled)
	}

	hist, _ := h.store.ExtractionHistory(context.Background(), store.HistoryQuery{WidgetID: "W2"})
	if len(hist) != 1 || hist[0].Value != "value" || hist[0].Error != "" {
		t.Fatalf("history: %+v", hist)
	}
	if _, ok := h.reg.Get("W2"); ok {
		t.Fatal("registry has W2")
	}
}

func TestExtractionFromPreviousIncarnation(t *testing.T) {
	h := newHarness(t)
	old := h.mustCreate("w")
	if _, err := h.do(func(r chan<- Outcome) Event { return DeleteWidget{WidgetID: "w", Reply: r} }); err != nil {
		t.Fatal(err)
	}
	cur := h.mustCreate("w")
	if cur.Config.Incarnation == old.Config.Incarnation {
		t.Fatal("incarnation reused")
	}

	h.send(ExtractionResult{Message: extraction.Found(extraction.Request{WidgetID: "w", Incarnation: cur.Config.Incarnation}, "new", t0)})
	h.send(ExtractionResult{Message: extraction.Found(extraction.Request{WidgetID: "w", Incarnation: old.Config.Incarnation}, "old", t0.Add(time.Second))})

	latest, _ := h.store.LatestExtractions(context.Background())
	if len(latest) != 1 || latest[0].Value != "new" {
		t.Fatalf("latest absorbed the stale result: %+v", latest)
	}
}

func TestRefreshDebounce(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("w")
	sf := h.rend.SurfaceFor("w")
	refresh := widget.Refresh(5)

	h.send(fire("w", refresh, t0))
	if n, _, _, _ := sf.Snapshot(); n != 1 {
		t.Fatalf("first fire: reloads=%d, want 1", n)
	}
	h.send(fire("w", refresh, t0.Add(3*time.Second)))
	if n, _, _, _ := sf.Snapshot(); n != 1 {
		t.Fatalf("fire within interval reloaded: reloads=%d", n)
	}
	entry, _ := h.reg.Get("w")
	if !entry.LastRefresh.Equal(t0) {
		t.Fatalf("LastRefresh moved by a debounced fire: %v", entry.LastRefresh)
	}
	h.send(fire("w", refresh, t0.Add(5*time.Second)))
	if n, _, _, _ := sf.Snapshot(); n != 2 {
		t.Fatalf("fire after interval: reloads=%d, want 2", n)
	}
}

func TestRefreshInlineRendersStoredMarkup(t *testing.T) {
	h := newHarness(t)
	if _, err := h.create("w", widget.Inline("<p>hi</p>")); err != nil {
		t.Fatal(err)
	}
	sf := h.rend.SurfaceFor("w")
	sf.Content = ""

	var got error = errors.New("not handled")
	h.disp.observe = func(_ Event, err error) { got = err }
	h.send(fire("w", widget.Refresh(5), t0))
	if got != nil {
		t.Fatalf("inline refresh: %v", got)
	}
	n, _, _, content := sf.Snapshot()
	if n != 1 || content != "<p>hi</p>" {
		t.Fatalf("inline refresh: renders=%d content=%q", n, content)
	}
	h.send(fire("w", widget.Refresh(5), t0.Add(time.Second)))
	if n, _, _, _ := sf.Snapshot(); n != 1 {
		t.Fatalf("inline refresh within interval rendered again: %d", n)
	}
}

type sinkFunc func(context.Context, schedule.Fire) error

func (f sinkFunc) EnqueueFire(ctx context.Context, fr schedule.Fire) error { return f(ctx, fr) }

func TestScrapeModifiersOnOneWidgetFireIndependently(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("w1", widget.Scrape(".price", 60), widget.Scrape(".title", 60))

	clock := schedule.NewFakeClock(t0)
	sched := schedule.New(h.store, sinkFunc(func(_ context.Context, f schedule.Fire) error {
		h.send(ModifierFire{Fire: f})
		return nil
	}), schedule.Config{}, schedule.WithClock(clock))

	ctx := context.Background()
	if _, err := sched.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	for range 5 {
		clock.Advance(time.Minute)
		if n, err := sched.Tick(ctx); err != nil || n != 2 {
			t.Fatalf("tick: fired %d, %v; want 2", n, err)
		}
	}

	_, ex, _, _ := h.rend.SurfaceFor("w1").Snapshot()
	bySelector := map[string]int{}
	for _, r := range ex {
		bySelector[r.Selector]++
	}
	if bySelector[".price"] != 5 || bySelector[".title"] != 5 {
		t.Fatalf("extractions by selector: %v, want 5 each", bySelector)
	}
}

func TestFireOnClosedWidgetDropped(t *testing.T) {
	h := newHarness(t)
	st := h.mustCreate("w")
	h.send(WindowClosed{SurfaceID: st.SurfaceID})

	var got error = errors.New("not handled")
	h.disp.observe = func(_ Event, err error) { got = err }
	h.send(fire("w", widget.Refresh(5), t0))
	if got != nil {
		t.Fatalf("fire on closed widget: %v", got)
	}
	if n, _, _, _ := h.rend.Surface(st.SurfaceID).Snapshot(); n != 0 {
		t.Fatalf("closed surface reloaded")
	}
}

func TestScrapeFire(t *testing.T) {
	h := newHarness(t)
	st := h.mustCreate("w")
	scrape := widget.Scrape("#price", 30)

	h.send(fire("w", scrape, t0))
	h.send(fire("w", scrape, t0.Add(10*time.Second)))
	_, ex, _, _ := h.rend.SurfaceFor("w").Snapshot()
	if len(ex) != 1 {
		t.Fatalf("extracts: got %d, want 1", len(ex))
	}
	want := extraction.Request{WidgetID: "w", Incarnation: st.Config.Incarnation, Selector: "#price"}
	if ex[0] != want {
		t.Fatalf("request: got %+v, want %+v", ex[0], want)
	}
}

func TestScrapeTransportFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("w")
	h.rend.FailExtract = true

	var got error
	h.disp.observe = func(_ Event, err error) { got = err }
	h.send(fire("w", widget.Scrape("p", 0), t0))
	var tf *widget.TransportFailureError
	if !errors.As(got, &tf) || tf.Op != "extract" {
		t.Fatalf("got %v, want TransportFailureError", got)
	}
	hist, _ := h.store.ExtractionHistory(context.Background(), store.HistoryQuery{})
	if len(hist) != 0 {
		t.Fatalf("history written on transport failure: %+v", hist)
	}
	entry, _ := h.reg.Get("w")
	if !entry.LastScrape.IsZero() {
		t.Fatal("LastScrape stamped for a scrape that never started")
	}
}

func TestWindowClosedAndReopen(t *testing.T) {
	h := newHarness(t)
	st := h.mustCreate("w", widget.Refresh(5))
	h.send(fire("w", widget.Refresh(5), t0))

	h.send(WindowClosed{SurfaceID: st.SurfaceID})
	if _, ok := h.reg.Get("w"); ok {
		t.Fatal("entry survived close")
	}
	stored, _ := h.store.GetWidget(context.Background(), "w")
	if stored.Open {
		t.Fatal("is_open still true after close")
	}
	mods, _ := h.store.ListModifiers(context.Background(), "w")
	if len(mods) != 1 {
		t.Fatal("close removed modifiers")
	}

	// Unknown surface: benign no-op.
	h.send(WindowClosed{SurfaceID: st.SurfaceID})

	v, err := h.do(func(r chan<- Outcome) Event { return ToggleVisibility{WidgetID: "w", Visible: true, Reply: r} })
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	re := v.(*WidgetState)
	if re.SurfaceID == st.SurfaceID || !re.Open {
		t.Fatalf("reopen state: %+v", re)
	}
	if re.Config.Incarnation != st.Config.Incarnation {
		t.Fatal("reopen minted a new incarnation")
	}
	stored, _ = h.store.GetWidget(context.Background(), "w")
	if !stored.Open {
		t.Fatal("is_open not restored")
	}
}

func TestToggleVisibility_Live(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("w")
	v, err := h.do(func(r chan<- Outcome) Event { return ToggleVisibility{WidgetID: "w", Visible: false, Reply: r} })
	if err != nil {
		t.Fatal(err)
	}
	if v.(*WidgetState).Visible {
		t.Fatal("still visible")
	}
	if _, _, visible, _ := h.rend.SurfaceFor("w").Snapshot(); visible {
		t.Fatal("surface still visible")
	}
	if _, err := h.do(func(r chan<- Outcome) Event { return ToggleVisibility{WidgetID: "nope", Visible: true, Reply: r} }); !widget.IsNotFound(err) {
		t.Fatalf("unknown widget: %v", err)
	}
}

func TestUpdateBoundsPersists(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("w")
	b := widget.Bounds{X: 1, Y: 2, Width: 500, Height: 400}
	if _, err := h.do(func(r chan<- Outcome) Event { return UpdateBounds{WidgetID: "w", Bounds: b, Reply: r} }); err != nil {
		t.Fatal(err)
	}
	stored, _ := h.store.GetWidget(context.Background(), "w")
	if stored.Bounds != b {
		t.Fatalf("stored bounds: %+v", stored.Bounds)
	}
	if got := h.rend.SurfaceFor("w").Config.Bounds; got != b {
		t.Fatalf("surface bounds: %+v", got)
	}
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("w")
	bottom := widget.LevelBottom
	v, err := h.do(func(r chan<- Outcome) Event {
		return UpdateSettings{WidgetID: "w", Settings: widget.Settings{Level: &bottom}, Reply: r}
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.(*WidgetState).Config.Level != widget.LevelBottom {
		t.Fatalf("reply: %+v", v)
	}
	stored, _ := h.store.GetWidget(context.Background(), "w")
	if stored.Level != widget.LevelBottom {
		t.Fatalf("stored: %+v", stored)
	}
}

type panicSurfaceStore struct {
	Store
}

func (panicSurfaceStore) AppendExtraction(context.Context, *widget.ExtractionRecord) error {
	panic("disk on fire")
}

func TestHandlerPanicDoesNotKillLoop(t *testing.T) {
	h := newHarness(t)
	h.disp.store = panicSurfaceStore{Store: h.store}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.disp.Run(ctx)

	if err := h.queue.Enqueue(ctx, ExtractionResult{Message: extraction.Found(extraction.Request{WidgetID: "w"}, "v", t0)}); err != nil {
		t.Fatal(err)
	}
	c := widget.Config{ID: "after", Source: widget.URL("https://example.com")}
	c.Normalize()
	v, err := h.queue.Call(ctx, func(r chan<- Outcome) Event { return CreateWidget{Config: c, Reply: r} })
	if err != nil {
		t.Fatalf("create after panic: %v", err)
	}
	if v.(*WidgetState).Config.ID != "after" {
		t.Fatalf("reply: %+v", v)
	}
}

func TestQueueValidatesAtBoundary(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 1}, nil)
	ctx := context.Background()
	if err := q.Enqueue(ctx, ModifierFire{Fire: schedule.Fire{WidgetID: "w", Modifier: widget.Scrape("  ", 0)}}); !widget.IsValidation(err) {
		t.Fatalf("empty selector: got %v", err)
	}
	if err := q.Enqueue(ctx, WindowClosed{}); !widget.IsValidation(err) {
		t.Fatalf("empty surface id: got %v", err)
	}
	if err := q.Enqueue(ctx, ExtractionResult{}); !widget.IsValidation(err) {
		t.Fatalf("empty extraction: got %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("invalid events admitted: %d", q.Len())
	}
}

func TestQueueFullTimesOut(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 1, EnqueueTimeout: 20 * time.Millisecond}, nil)
	ctx := context.Background()
	if err := q.Enqueue(ctx, WindowClosed{SurfaceID: "s1"}); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err := q.Enqueue(ctx, WindowClosed{SurfaceID: "s2"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("producer did not block before giving up")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.Enqueue(cctx, WindowClosed{SurfaceID: "s3"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled producer: got %v", err)
	}
}

func TestQueueFIFO(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var order []string
	h.disp.observe = func(ev Event, _ error) {
		mu.Lock()
		order = append(order, ev.(WindowClosed).SurfaceID)
		mu.Unlock()
	}
	ctx := context.Background()
	for i := range 5 {
		if err := h.queue.Enqueue(ctx, WindowClosed{SurfaceID: fmt.Sprintf("s%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	for h.queue.Len() > 0 {
		h.disp.Handle(ctx, <-h.queue.ch)
	}
	if fmt.Sprint(order) != "[s0 s1 s2 s3 s4]" {
		t.Fatalf("order: %v", order)
	}
}

type metricSink struct {
	mu   sync.Mutex
	seen []*observability.Metric
}

func (m *metricSink) Record(x *observability.Metric) {
	m.mu.Lock()
	m.seen = append(m.seen, x)
	m.mu.Unlock()
}

func TestMetricsRecorded(t *testing.T) {
	ms := &metricSink{}
	h := newHarness(t, WithMetrics(ms))
	h.mustCreate("w")
	h.send(ExtractionResult{Message: extraction.Failed(extraction.Request{WidgetID: "w"}, "no match", t0)})

	names := map[string]int{}
	for _, m := range ms.seen {
		names[m.Name]++
	}
	if names[MetricEventMs] != 2 || names[MetricExtractionsCount] != 1 {
		t.Fatalf("metrics: %v", names)
	}
}

func TestBijectionAcrossLifecycle(t *testing.T) {
	h := newHarness(t)
	check := func(step string) {
		t.Helper()
		for _, e := range h.reg.ListOpen() {
			back, ok := h.reg.GetBySurface(e.SurfaceID)
			if !ok || back.Config.ID != e.Config.ID {
				t.Fatalf("%s: surface %s does not map back to %s", step, e.SurfaceID, e.Config.ID)
			}
		}
	}
	for i := range 20 {
		id := fmt.Sprintf("w%d", i%4)
		switch i % 3 {
		case 0, 1:
			h.create(id, widget.URL("https://example.com"))
		case 2:
			h.do(func(r chan<- Outcome) Event { return DeleteWidget{WidgetID: id, PurgeHistory: true, Reply: r} })
		}
		check(fmt.Sprintf("step %d", i))
		if e, ok := h.reg.Get(id); ok && i%5 == 0 {
			h.send(WindowClosed{SurfaceID: e.SurfaceID})
			check(fmt.Sprintf("close %d", i))
		}
	}
}
