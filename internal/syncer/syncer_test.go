package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roamline/tripd/internal/outbox"
	"github.com/roamline/tripd/internal/remote"
	"github.com/roamline/tripd/internal/store"
	"github.com/roamline/tripd/internal/trip"
)

const testOwner = "user-1"

// fakeRemote is an in-memory remote.Client with injectable failures.
type fakeRemote struct {
	mu    sync.Mutex
	trips map[string]*trip.Trip

	listErr   error
	createErr error
	updateErr error

	creates int
	subs    []*fakeSub
}

func newFakeRemote(trips ...*trip.Trip) *fakeRemote {
	fr := &fakeRemote{trips: make(map[string]*trip.Trip)}
	for _, t := range trips {
		c := t.Clone()
		c.OwnerID = testOwner
		c.LocalOnly = false
		fr.trips[c.ID] = c
	}
	return fr
}

func (f *fakeRemote) CreateTrip(_ context.Context, t *trip.Trip) (*trip.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if existing, ok := f.trips[t.ID]; ok {
		return existing.Clone(), nil
	}
	c := t.Clone()
	c.OwnerID = testOwner
	c.LocalOnly = false
	f.trips[c.ID] = c
	return c.Clone(), nil
}

func (f *fakeRemote) UpdateTrip(_ context.Context, id string, p trip.Patch) (*trip.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return nil, f.updateErr
	}
	existing, ok := f.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, remote.ErrNotFound)
	}
	p.Apply(existing)
	existing.UpdatedAt = time.Now().UTC()
	return existing.Clone(), nil
}

func (f *fakeRemote) GetTrip(_ context.Context, id string) (*trip.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, remote.ErrNotFound)
	}
	return existing.Clone(), nil
}

func (f *fakeRemote) ListTrips(_ context.Context) ([]*trip.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	trips := make([]*trip.Trip, 0, len(f.trips))
	for _, t := range f.trips {
		trips = append(trips, t.Clone())
	}
	return trips, nil
}

func (f *fakeRemote) DeleteTrip(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trips, id)
	return nil
}

func (f *fakeRemote) TouchTrip(_ context.Context, id string, accessedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.trips[id]
	if !ok {
		return fmt.Errorf("trip %s: %w", id, remote.ErrNotFound)
	}
	existing.Touch(accessedAt)
	return nil
}

func (f *fakeRemote) Subscribe(_ context.Context) (remote.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &fakeSub{events: make(chan remote.Event, 16)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeRemote) Ping(_ context.Context) error { return nil }

// get returns a clone of the remote copy, or nil if absent.
func (f *fakeRemote) get(id string) *trip.Trip {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.trips[id]
	if !ok {
		return nil
	}
	return existing.Clone()
}

func (f *fakeRemote) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeRemote) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeRemote) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeSub struct {
	events chan remote.Event
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Events() <-chan remote.Event { return s.events }
func (s *fakeSub) Err() error                  { return nil }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) emit(ev remote.Event) { s.events <- ev }

type fakeQueue struct {
	mu        sync.Mutex
	recovered int
	kicks     int
}

func (q *fakeQueue) RecoverStuckItems(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recovered++
	return 0, nil
}

func (q *fakeQueue) Kick() {
	q.mu.Lock()
	q.kicks++
	q.mu.Unlock()
}

func (q *fakeQueue) recoverCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recovered
}

func (q *fakeQueue) kickCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.kicks
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return st
}

func newTestCoordinator(t *testing.T, st *store.Store, fr *fakeRemote) (*Coordinator, *fakeQueue) {
	t.Helper()

	q := &fakeQueue{}
	coord, err := New(Config{Store: st, Remote: fr, Queue: q})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = coord.Cleanup()
	})
	return coord, q
}

// syncedTrip builds a trip that has been through a successful create.
func syncedTrip(title string) *trip.Trip {
	tr := trip.New(title)
	tr.OwnerID = testOwner
	return tr
}

// draftTrip builds a trip authored offline, not yet pushed.
func draftTrip(title string) *trip.Trip {
	tr := trip.New(title)
	tr.LocalOnly = true
	return tr
}

func putLocal(t *testing.T, st *store.Store, tr *trip.Trip) {
	t.Helper()

	if err := st.PutTrip(tr); err != nil {
		t.Fatalf("PutTrip() error = %v", err)
	}
}

// pendingCreate queues the create for a draft, as the app does on add.
func pendingCreate(t *testing.T, st *store.Store, tr *trip.Trip) *outbox.Item {
	t.Helper()

	item, err := outbox.NewItem(outbox.CreateTrip{Trip: tr.Clone()}, 0)
	if err != nil {
		t.Fatalf("NewItem() error = %v", err)
	}
	if err := st.PutOutboxItem(item); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}
	return item
}

// pendingUpdate queues an edit for the trip, as the app would while offline.
func pendingUpdate(t *testing.T, st *store.Store, tripID string) *outbox.Item {
	t.Helper()

	notes := "queued edit"
	item, err := outbox.NewItem(outbox.UpdateTrip{ID: tripID, Patch: trip.Patch{Notes: &notes}}, 0)
	if err != nil {
		t.Fatalf("NewItem() error = %v", err)
	}
	if err := st.PutOutboxItem(item); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}
	return item
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewValidatesConfig(t *testing.T) {
	st := setupTestStore(t)
	fr := newFakeRemote()
	q := &fakeQueue{}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing store", Config{Remote: fr, Queue: q}},
		{"missing remote", Config{Store: st, Queue: q}},
		{"missing queue", Config{Store: st, Remote: fr}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("New() accepted incomplete config")
			}
		})
	}
}

func TestInitializeMergesRemoteState(t *testing.T) {
	st := setupTestStore(t)

	stale := syncedTrip("Lisbon")
	gone := syncedTrip("Cancelled plans")
	draft := draftTrip("Weekend draft")
	putLocal(t, st, stale)
	putLocal(t, st, gone)
	putLocal(t, st, draft)
	queued := pendingUpdate(t, st, gone.ID)

	fresh := stale.Clone()
	fresh.Title = "Lisbon in spring"
	fresh.UpdatedAt = fresh.UpdatedAt.Add(time.Hour)
	extra := syncedTrip("Team offsite")
	fr := newFakeRemote(fresh, extra)

	coord, q := newTestCoordinator(t, st, fr)
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	got, err := st.GetTrip(stale.ID)
	if err != nil {
		t.Fatalf("GetTrip() error = %v", err)
	}
	if got.Title != "Lisbon in spring" {
		t.Errorf("merged title = %q, want the remote copy to win", got.Title)
	}

	if _, err := st.GetTrip(gone.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("remotely deleted trip still present, err = %v", err)
	}
	item, err := st.GetOutboxItem(queued.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if item.Status != outbox.StatusFailed {
		t.Errorf("queued action status = %s, want %s", item.Status, outbox.StatusFailed)
	}
	if item.Error != "trip deleted remotely" {
		t.Errorf("queued action error = %q", item.Error)
	}

	uploaded, err := st.GetTrip(draft.ID)
	if err != nil {
		t.Fatalf("local-only draft should survive the merge: %v", err)
	}
	if uploaded.LocalOnly {
		t.Error("draft still marked local-only after the merge uploaded it")
	}
	if uploaded.OwnerID != testOwner {
		t.Errorf("uploaded draft owner = %q, want %q", uploaded.OwnerID, testOwner)
	}
	if fr.get(draft.ID) == nil {
		t.Error("draft was not created remotely during the merge")
	}

	pulled, err := st.GetTrip(extra.ID)
	if err != nil {
		t.Fatalf("GetTrip() error = %v", err)
	}
	if pulled.LocalOnly {
		t.Error("pulled trip still marked local-only")
	}

	if q.recoverCalls() != 1 {
		t.Errorf("RecoverStuckItems calls = %d, want 1", q.recoverCalls())
	}
	if q.kickCalls() == 0 {
		t.Error("queue was never kicked")
	}
	if !coord.Active() {
		t.Error("Active() = false after Initialize")
	}
	if coord.Reconciling() {
		t.Error("Reconciling() = true after Initialize returned")
	}
	if coord.LastSyncAt().IsZero() {
		t.Error("LastSyncAt() is zero after Initialize")
	}
}

func TestInitializeUploadsDraftOnce(t *testing.T) {
	st := setupTestStore(t)

	draft := draftTrip("Patagonia trek")
	putLocal(t, st, draft)
	create := pendingCreate(t, st, draft)
	edit := pendingUpdate(t, st, draft.ID)

	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if fr.createCalls() != 1 {
		t.Errorf("remote creates = %d, want exactly 1", fr.createCalls())
	}

	item, err := st.GetOutboxItem(create.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if item.Status != outbox.StatusCompleted {
		t.Errorf("queued create status = %s, want %s", item.Status, outbox.StatusCompleted)
	}
	if item.CompletedAt == nil {
		t.Error("queued create has no CompletedAt")
	}

	// The queued edit still has work to do; only the create is subsumed.
	item, err = st.GetOutboxItem(edit.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if item.Status != outbox.StatusPending {
		t.Errorf("queued edit status = %s, want %s", item.Status, outbox.StatusPending)
	}
}

func TestInitializeKeepsDraftWhenUploadFails(t *testing.T) {
	st := setupTestStore(t)

	draft := draftTrip("Patagonia trek")
	putLocal(t, st, draft)
	create := pendingCreate(t, st, draft)

	fr := newFakeRemote()
	fr.createErr = fmt.Errorf("dial tcp: %w", remote.ErrUnavailable)

	coord, _ := newTestCoordinator(t, st, fr)
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v, upload failures must not abort the merge", err)
	}

	got, err := st.GetTrip(draft.ID)
	if err != nil {
		t.Fatalf("GetTrip() error = %v", err)
	}
	if !got.LocalOnly {
		t.Error("draft lost its local-only flag though the upload failed")
	}

	item, err := st.GetOutboxItem(create.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if item.Status != outbox.StatusPending {
		t.Errorf("queued create status = %s, want %s", item.Status, outbox.StatusPending)
	}
	if !coord.Active() {
		t.Error("Active() = false; a failed upload should not block the session")
	}
}

func TestInitializeLeavesLocalStateOnFailure(t *testing.T) {
	st := setupTestStore(t)
	local := syncedTrip("Lisbon")
	putLocal(t, st, local)

	fr := newFakeRemote()
	fr.listErr = fmt.Errorf("dial tcp: %w", remote.ErrUnavailable)

	coord, _ := newTestCoordinator(t, st, fr)
	err := coord.Initialize(context.Background())
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("Initialize() error = %v, want ErrUnavailable", err)
	}
	if coord.Active() {
		t.Error("Active() = true after failed Initialize")
	}
	if _, err := st.GetTrip(local.ID); err != nil {
		t.Errorf("local trip should be untouched after failed merge: %v", err)
	}
}

func TestInitializeReplacesSubscription(t *testing.T) {
	st := setupTestStore(t)
	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)

	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	first := fr.lastSub()

	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}

	if !first.isClosed() {
		t.Error("first subscription left open after re-initialize")
	}
	if fr.subCount() != 2 {
		t.Errorf("subscriptions opened = %d, want 2", fr.subCount())
	}
}

func TestLiveEventsApply(t *testing.T) {
	st := setupTestStore(t)
	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	sub := fr.lastSub()

	created := syncedTrip("Shared itinerary")
	sub.emit(remote.Event{Type: remote.EventCreated, TripID: created.ID, Trip: created, At: time.Now()})
	waitFor(t, 2*time.Second, func() bool {
		got, err := st.GetTrip(created.ID)
		return err == nil && !got.LocalOnly
	})

	updated := created.Clone()
	updated.Title = "Shared itinerary v2"
	updated.UpdateTimestamp()
	sub.emit(remote.Event{Type: remote.EventUpdated, TripID: updated.ID, Trip: updated, At: time.Now()})
	waitFor(t, 2*time.Second, func() bool {
		got, err := st.GetTrip(created.ID)
		return err == nil && got.Title == "Shared itinerary v2"
	})
}

func TestDeletedEventFailsQueuedActions(t *testing.T) {
	st := setupTestStore(t)
	doomed := syncedTrip("Doomed")
	putLocal(t, st, doomed)
	queued := pendingUpdate(t, st, doomed.ID)

	fr := newFakeRemote(doomed)
	coord, _ := newTestCoordinator(t, st, fr)
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	fr.lastSub().emit(remote.Event{Type: remote.EventDeleted, TripID: doomed.ID, At: time.Now()})

	waitFor(t, 2*time.Second, func() bool {
		_, err := st.GetTrip(doomed.ID)
		return errors.Is(err, store.ErrNotFound)
	})
	waitFor(t, 2*time.Second, func() bool {
		item, err := st.GetOutboxItem(queued.ID)
		return err == nil && item.Status == outbox.StatusFailed
	})
}

func TestApplyCreateClaimsLocalCopy(t *testing.T) {
	st := setupTestStore(t)
	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)

	draft := draftTrip("Road trip")
	putLocal(t, st, draft)
	snapshot := draft.Clone()

	// The user kept editing while the create waited for connectivity.
	draft.Notes = "pack chains for the pass"
	draft.UpdateTimestamp()
	putLocal(t, st, draft)

	if err := coord.ApplyAction(context.Background(), outbox.CreateTrip{Trip: snapshot}); err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}

	got, err := st.GetTrip(draft.ID)
	if err != nil {
		t.Fatalf("GetTrip() error = %v", err)
	}
	if got.OwnerID != testOwner {
		t.Errorf("OwnerID = %q, want claimed by session owner", got.OwnerID)
	}
	if got.LocalOnly {
		t.Error("LocalOnly = true after successful create")
	}
	if got.Notes != "pack chains for the pass" {
		t.Errorf("Notes = %q, later local edit was overwritten", got.Notes)
	}
	if fr.get(draft.ID) == nil {
		t.Error("trip missing from remote after create")
	}
}

func TestApplyCreateAfterLocalDelete(t *testing.T) {
	st := setupTestStore(t)
	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)

	snapshot := draftTrip("Changed my mind")

	if err := coord.ApplyAction(context.Background(), outbox.CreateTrip{Trip: snapshot}); err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}
	if _, err := st.GetTrip(snapshot.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("create resurrected a locally deleted trip, err = %v", err)
	}
}

func TestApplyUpdateStoresRemoteResult(t *testing.T) {
	st := setupTestStore(t)
	tr := syncedTrip("Kyoto")
	putLocal(t, st, tr)
	fr := newFakeRemote(tr)
	coord, _ := newTestCoordinator(t, st, fr)

	title := "Kyoto and Osaka"
	action := outbox.UpdateTrip{ID: tr.ID, Patch: trip.Patch{Title: &title}}
	if err := coord.ApplyAction(context.Background(), action); err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}

	got, err := st.GetTrip(tr.ID)
	if err != nil {
		t.Fatalf("GetTrip() error = %v", err)
	}
	if got.Title != title {
		t.Errorf("Title = %q, want %q", got.Title, title)
	}
}

func TestApplyUpdateTripDeletedRemotely(t *testing.T) {
	st := setupTestStore(t)
	tr := syncedTrip("Ghost trip")
	putLocal(t, st, tr)
	sibling := pendingUpdate(t, st, tr.ID)

	// The trip was deleted on another device; this store has not heard yet.
	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)

	notes := "more notes"
	err := coord.ApplyAction(context.Background(), outbox.UpdateTrip{ID: tr.ID, Patch: trip.Patch{Notes: &notes}})
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("ApplyAction() error = %v, want ErrNotFound", err)
	}

	if _, err := st.GetTrip(tr.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("local copy of deleted trip still present, err = %v", err)
	}
	item, err := st.GetOutboxItem(sibling.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if item.Status != outbox.StatusFailed {
		t.Errorf("sibling action status = %s, want %s", item.Status, outbox.StatusFailed)
	}
	if item.Error != "trip deleted remotely" {
		t.Errorf("sibling action error = %q", item.Error)
	}
}

func TestApplyTouchKeepsUnconfirmedDraft(t *testing.T) {
	st := setupTestStore(t)
	draft := draftTrip("Never uploaded")
	putLocal(t, st, draft)

	// The remote 404s because the draft's create never landed, not
	// because anyone deleted it.
	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)

	err := coord.ApplyAction(context.Background(), outbox.TouchTrip{ID: draft.ID, AccessedAt: time.Now().UTC()})
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("ApplyAction() error = %v, want ErrNotFound", err)
	}

	got, err := st.GetTrip(draft.ID)
	if err != nil {
		t.Fatalf("draft purged after a touch 404: %v", err)
	}
	if !got.LocalOnly {
		t.Error("draft lost its local-only mark")
	}
}

func TestApplyDeleteRemovesBothCopies(t *testing.T) {
	st := setupTestStore(t)
	tr := syncedTrip("Old trip")
	putLocal(t, st, tr)
	fr := newFakeRemote(tr)
	coord, _ := newTestCoordinator(t, st, fr)

	if err := coord.ApplyAction(context.Background(), outbox.DeleteTrip{ID: tr.ID}); err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}
	if fr.get(tr.ID) != nil {
		t.Error("trip still on remote after delete")
	}
	if _, err := st.GetTrip(tr.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("trip still in store after delete, err = %v", err)
	}
}

func TestApplyTouch(t *testing.T) {
	st := setupTestStore(t)
	tr := syncedTrip("Frequent trip")
	fr := newFakeRemote(tr)
	coord, _ := newTestCoordinator(t, st, fr)

	at := time.Now().UTC()
	if err := coord.ApplyAction(context.Background(), outbox.TouchTrip{ID: tr.ID, AccessedAt: at}); err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}
	got := fr.get(tr.ID)
	if got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(at) {
		t.Errorf("remote LastAccessedAt = %v, want %v", got.LastAccessedAt, at)
	}
}

func TestForceSyncToCloud(t *testing.T) {
	st := setupTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	draft := draftTrip("Not yet uploaded")

	localNewer := syncedTrip("Edited offline")
	localNewer.UpdatedAt = base.Add(30 * time.Minute)
	remoteStale := localNewer.Clone()
	remoteStale.Title = "Edited offline (old)"
	remoteStale.UpdatedAt = base

	localStale := syncedTrip("Edited elsewhere (old)")
	localStale.UpdatedAt = base
	remoteNewer := localStale.Clone()
	remoteNewer.Title = "Edited elsewhere"
	remoteNewer.UpdatedAt = base.Add(30 * time.Minute)

	remoteOnly := syncedTrip("Planned on another device")

	inSync := syncedTrip("Already in sync")
	inSync.UpdatedAt = base

	for _, tr := range []*trip.Trip{draft, localNewer, localStale, inSync} {
		putLocal(t, st, tr)
	}
	fr := newFakeRemote(remoteStale, remoteNewer, remoteOnly, inSync)
	coord, _ := newTestCoordinator(t, st, fr)

	result, err := coord.ForceSyncToCloud(context.Background())
	if err != nil {
		t.Fatalf("ForceSyncToCloud() error = %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("ForceSyncToCloud() errors = %v", result.Errors)
	}
	if result.Created != 1 || result.Pushed != 1 || result.Pulled != 2 {
		t.Errorf("result = %+v, want 1 created, 1 pushed, 2 pulled", result)
	}

	if fr.get(draft.ID) == nil {
		t.Error("draft was not created remotely")
	}
	if got := fr.get(localNewer.ID); got.Title != "Edited offline" {
		t.Errorf("remote title = %q, newer local copy should win", got.Title)
	}
	got, err := st.GetTrip(localStale.ID)
	if err != nil {
		t.Fatalf("GetTrip() error = %v", err)
	}
	if got.Title != "Edited elsewhere" {
		t.Errorf("local title = %q, newer remote copy should win", got.Title)
	}
	if _, err := st.GetTrip(remoteOnly.ID); err != nil {
		t.Errorf("remote-only trip was not pulled: %v", err)
	}
	if coord.LastSyncAt().IsZero() {
		t.Error("LastSyncAt() not set by forced sync")
	}
}

func TestForceSyncContinuesPastErrors(t *testing.T) {
	st := setupTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	broken := syncedTrip("Cannot push")
	broken.UpdatedAt = base.Add(time.Minute)
	remoteCopy := broken.Clone()
	remoteCopy.UpdatedAt = base

	draft := draftTrip("Still uploads")

	putLocal(t, st, broken)
	putLocal(t, st, draft)
	fr := newFakeRemote(remoteCopy)
	fr.updateErr = fmt.Errorf("server error: %w", remote.ErrUnavailable)

	coord, _ := newTestCoordinator(t, st, fr)
	result, err := coord.ForceSyncToCloud(context.Background())
	if err != nil {
		t.Fatalf("ForceSyncToCloud() error = %v", err)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", result.Errors)
	}
	if !errors.Is(result.Errors[0], remote.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", result.Errors[0])
	}
	if result.Created != 1 {
		t.Errorf("Created = %d, want the unaffected trip uploaded", result.Created)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)

	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	syncedAt := coord.LastSyncAt()

	if err := coord.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if err := coord.Cleanup(); err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}

	if coord.Active() {
		t.Error("Active() = true after Cleanup")
	}
	if !fr.lastSub().isClosed() {
		t.Error("subscription left open after Cleanup")
	}
	if !coord.LastSyncAt().Equal(syncedAt) {
		t.Error("Cleanup changed LastSyncAt")
	}
}

func TestEnsureSubscribedReopensDeadFeed(t *testing.T) {
	st := setupTestStore(t)
	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)

	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// Server drops the feed.
	_ = fr.lastSub().Close()

	// The consumer notices asynchronously; poll until a fresh feed opens.
	waitFor(t, 2*time.Second, func() bool {
		if err := coord.EnsureSubscribed(context.Background()); err != nil {
			t.Fatalf("EnsureSubscribed() error = %v", err)
		}
		return fr.subCount() == 2
	})
}

func TestEnsureSubscribedBeforeInitialize(t *testing.T) {
	st := setupTestStore(t)
	fr := newFakeRemote()
	coord, _ := newTestCoordinator(t, st, fr)

	if err := coord.EnsureSubscribed(context.Background()); err != nil {
		t.Fatalf("EnsureSubscribed() error = %v", err)
	}
	if fr.subCount() != 0 {
		t.Errorf("subscriptions opened = %d, want none before a session", fr.subCount())
	}
}
