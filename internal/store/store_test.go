package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newAlert(t *testing.T, office, phenomenon string, sig alert.Significance, etn int, action alert.Action, expires time.Time) *alert.Alert {
	t.Helper()
	a := alert.NewAlert(phenomenon, sig)
	a.VTEC = &alert.VTECInfo{
		Office: office, Phenomenon: phenomenon, Significance: sig,
		EventTrackingNumber: etn, Action: action,
	}
	a.ProductID = fmt.Sprintf("%s.%s.%04d", phenomenon, office, etn)
	a.IssuedTime = time.Now().UTC()
	a.ExpirationTime = expires
	a.AffectedAreas = []string{"OHC085"}
	return a
}

func TestUpsert_NewInsertsAndFiresAdded(t *testing.T) {
	s := New(60*time.Second, discardLogger())
	var events []Event
	s.Subscribe(func(e Event) { events = append(events, e) })

	a := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 42, alert.ActionNew, time.Now().Add(time.Hour))
	result := s.Upsert(a)

	assert.Equal(t, ResultAdded, result)
	require.Len(t, events, 1)
	assert.Equal(t, EventAdded, events[0].Kind)
}

func TestUpsert_DuplicateNewIsIgnored_Property7(t *testing.T) {
	s := New(60*time.Second, discardLogger())
	a := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 42, alert.ActionNew, time.Now().Add(time.Hour))
	s.Upsert(a)
	second := *a
	assert.Equal(t, ResultIgnored, s.Upsert(&second))
}

func TestUpsert_ConOnlyBumpsUpdateCount_Property8(t *testing.T) {
	s := New(60*time.Second, discardLogger())
	a := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 42, alert.ActionNew, time.Now().Add(time.Hour))
	s.Upsert(a)

	con := *a
	con.VTEC = &alert.VTECInfo{Office: "KCLE", Phenomenon: "SV", Significance: alert.SignificanceWarning, EventTrackingNumber: 42, Action: alert.ActionCon}
	con.ProductID = a.ProductID
	s.Upsert(&con)

	got, ok := s.Get(a.ProductID)
	require.True(t, ok)
	assert.Equal(t, 1, got.UpdateCount)
	assert.Equal(t, a.IssuedTime, got.IssuedTime)
}

func TestUpsert_CancelRemovesReferent_Property3(t *testing.T) {
	s := New(60*time.Second, discardLogger())
	var events []Event
	a := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 42, alert.ActionNew, time.Now().Add(time.Hour))
	s.Upsert(a)
	s.Subscribe(func(e Event) { events = append(events, e) })

	can := alert.NewAlert("SV", alert.SignificanceWarning)
	can.VTEC = &alert.VTECInfo{Office: "KCLE", Phenomenon: "SV", Significance: alert.SignificanceWarning, EventTrackingNumber: 42, Action: alert.ActionCan}
	can.ProductID = "SV.CLE.0042.CAN"
	s.Upsert(can)

	_, ok := s.Get(a.ProductID)
	assert.False(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, EventRemoved, events[0].Kind)
	assert.Equal(t, ReasonCancelled, events[0].Reason)
}

func TestUpsert_ExpDeletesReferentEvenIfFutureExpiration_Property10(t *testing.T) {
	s := New(60*time.Second, discardLogger())
	a := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 42, alert.ActionNew, time.Now().Add(24*time.Hour))
	s.Upsert(a)

	exp := alert.NewAlert("SV", alert.SignificanceWarning)
	exp.VTEC = &alert.VTECInfo{Office: "KCLE", Phenomenon: "SV", Significance: alert.SignificanceWarning, EventTrackingNumber: 42, Action: alert.ActionExp}
	exp.ProductID = "irrelevant"
	result := s.Upsert(exp)

	assert.Equal(t, ResultSuperseded, result)
	_, ok := s.Get(a.ProductID)
	assert.False(t, ok)
}

func TestUpsert_AtMostOneAlertPerIndexKey_Property2(t *testing.T) {
	s := New(60*time.Second, discardLogger())
	a1 := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 42, alert.ActionNew, time.Now().Add(time.Hour))
	s.Upsert(a1)

	a2 := *a1
	a2.ProductID = a1.ProductID + "-v2"
	a2.VTEC = &alert.VTECInfo{Office: "KCLE", Phenomenon: "SV", Significance: alert.SignificanceWarning, EventTrackingNumber: 42, Action: alert.ActionCor}
	s.Upsert(&a2)

	count := 0
	for _, got := range s.Snapshot() {
		if key, ok := got.Key(); ok && key == (alert.IndexKey{Office: "KCLE", Phenomenon: "SV", Significance: alert.SignificanceWarning, EventTrackingNumber: 42}) {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEvictionLoop_FiresAfterGrace_Property1And11(t *testing.T) {
	fake := clockwork.NewFakeClock()
	s := New(60*time.Second, discardLogger(), WithClock(fake))

	a := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 42, alert.ActionNew, fake.Now().Add(time.Minute))
	s.Upsert(a)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	fake.BlockUntil(1)
	fake.Advance(time.Minute + 59*time.Second)
	fake.BlockUntil(1)
	fake.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		_, ok := s.Get(a.ProductID)
		return !ok
	}, time.Second, time.Millisecond)

	cancel()
	wg.Wait()
}

func TestSnapshotAndSubscribe_NoGapNoDoubleDelivery_Property5(t *testing.T) {
	s := New(60*time.Second, discardLogger())
	a1 := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 1, alert.ActionNew, time.Now().Add(time.Hour))
	s.Upsert(a1)

	snap, sub := s.SnapshotAndSubscribe(func(Event) {})
	defer sub.Cancel()
	require.Len(t, snap, 1)

	var events []Event
	sub2 := s.Subscribe(func(e Event) { events = append(events, e) })
	defer sub2.Cancel()

	a2 := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 2, alert.ActionNew, time.Now().Add(time.Hour))
	s.Upsert(a2)
	require.Len(t, events, 1)
}

func TestPersistAndLoad_DropsExpired(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/snapshot.json"

	fake := clockwork.NewFakeClock()
	s := New(60*time.Second, discardLogger(), WithClock(fake), WithPersistPath(path))

	live := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 1, alert.ActionNew, fake.Now().Add(time.Hour))
	expired := newAlert(t, "KICT", "TO", alert.SignificanceWarning, 2, alert.ActionNew, fake.Now().Add(-time.Minute))
	s.Upsert(live)
	s.Upsert(expired)

	require.NoError(t, s.Persist())

	s2 := New(60*time.Second, discardLogger(), WithClock(fake), WithPersistPath(path))
	n, err := s2.LoadPersisted()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rehydrated, ok := s2.Get(live.ProductID)
	require.True(t, ok)

	if diff := cmp.Diff(live, rehydrated); diff != "" {
		t.Fatalf("persisted alert round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStats_CountsByPhenomenonAndSource(t *testing.T) {
	s := New(60*time.Second, discardLogger())
	a := newAlert(t, "KCLE", "SV", alert.SignificanceWarning, 1, alert.ActionNew, time.Now().Add(time.Hour))
	a.Source = "push"
	s.Upsert(a)

	st := s.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.ByPhenomenon["SV"])
	assert.Equal(t, 1, st.BySource["push"])
}
