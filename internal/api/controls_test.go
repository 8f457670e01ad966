package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/banshee-data/teleop.link/internal/mailbox"
	"github.com/banshee-data/teleop.link/internal/protocol"
	"github.com/banshee-data/teleop.link/internal/testutil"
	"github.com/banshee-data/teleop.link/internal/timeutil"
)

func TestControlsView_StartsStale(t *testing.T) {
	v := NewControlsView(mailbox.New[protocol.Snapshot](nil), 0, nil)
	st := v.Status()
	if !st.Stale || st.Received != 0 || !st.UpdatedAt.IsZero() {
		t.Errorf("initial status = %+v", st)
	}
	if v.timeout != time.Second {
		t.Errorf("default timeout = %v, want 1s", v.timeout)
	}
}

func TestControlsView_TakesLatest(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	source := mailbox.New[protocol.Snapshot](clock)
	v := NewControlsView(source, time.Second, clock)

	// Only the most recent of several publishes is seen.
	source.Publish(protocol.Snapshot{ScrollerH1: 1})
	source.Publish(protocol.Snapshot{ScrollerH1: 2})
	v.Cycle()

	st := v.Status()
	if st.Stale || st.Received != 1 || st.Snapshot.ScrollerH1 != 2 {
		t.Errorf("status = %+v", st)
	}
	if !st.UpdatedAt.Equal(time.Unix(1000, 0)) {
		t.Errorf("UpdatedAt = %v", st.UpdatedAt)
	}
}

func TestControlsView_GoesStaleAfterWindow(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	source := mailbox.New[protocol.Snapshot](clock)
	v := NewControlsView(source, time.Second, clock)

	source.Publish(protocol.Snapshot{ScrollerV1: 5})
	v.Cycle()

	done := make(chan struct{})
	go func() {
		v.Cycle()
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for clock.PendingTimers() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("take never started waiting")
		}
		time.Sleep(time.Millisecond)
	}
	clock.Advance(time.Second)
	<-done

	st := v.Status()
	if !st.Stale {
		t.Error("view should be stale after an empty take window")
	}
	// The last snapshot is kept for display.
	if st.Snapshot.ScrollerV1 != 5 {
		t.Errorf("last snapshot lost: %+v", st.Snapshot)
	}
}

func TestControlsView_RunStopsOnCancel(t *testing.T) {
	source := mailbox.New[protocol.Snapshot](nil)
	v := NewControlsView(source, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.Run(ctx)
		close(done)
	}()

	source.Publish(protocol.Snapshot{Joystick1: protocol.Joystick{X: 0.25}})
	deadline := time.Now().Add(2 * time.Second)
	for v.Status().Received == 0 {
		if time.Now().After(deadline) {
			t.Fatal("view never received the snapshot")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShowControls(t *testing.T) {
	source := mailbox.New[protocol.Snapshot](nil)
	v := NewControlsView(source, time.Second, nil)
	source.Publish(protocol.Snapshot{Joystick1: protocol.Joystick{X: 0.5, Y: -0.3}})
	v.Cycle()

	mux := NewServer(Config{Controls: v}).ServeMux()
	rec := testutil.Serve(mux, http.MethodGet, "/api/controls")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	got := testutil.DecodeJSON[ControlsStatus](t, rec)
	if got.Stale || got.Snapshot.Joystick1 != (protocol.Joystick{X: 0.5, Y: -0.3}) {
		t.Errorf("controls = %+v", got)
	}
}
