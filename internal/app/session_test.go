package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkaminsk/Anchor/internal/core"
)

func startSession(t *testing.T, rc *fakeRoomClient, mc *fakeModelClient, opts SessionOptions) (*Session, *Registry) {
	t.Helper()
	reg := NewRegistry()
	sess := NewSession(context.Background(), "abc", rc, mc, reg, opts)
	require.NoError(t, reg.TryRegister("abc", sess))
	go sess.Run()
	return sess, reg
}

func waitStatus(t *testing.T, sess *Session, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sess.Status() == want
	}, waitFor, 10*time.Millisecond, "status is %s, want %s", sess.Status(), want)
}

func TestSessionBecomesActiveAndProduces(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	out := &fakeOutTrack{}
	sess, reg := startSession(t, rc, mc, SessionOptions{OutTrack: out})

	waitStatus(t, sess, StatusActive)
	assert.True(t, reg.IsActive("abc"))
	assert.Equal(t, 1, rc.joined().producedCount())
}

func TestSessionListenOnlySkipsProduce(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	sess, _ := startSession(t, rc, mc, SessionOptions{})

	waitStatus(t, sess, StatusActive)
	assert.Zero(t, rc.joined().producedCount())
}

func TestSessionJoinFailureTearsDownCleanly(t *testing.T) {
	rc := &fakeRoomClient{joinErr: errExternal}
	mc := &fakeModelClient{}
	sess, reg := startSession(t, rc, mc, SessionOptions{})

	waitStatus(t, sess, StatusFailed)
	assert.False(t, reg.IsActive("abc"))

	// The model connect may have succeeded; it must still be closed
	// and left without listeners.
	if conn := mc.dialed(); conn != nil {
		assert.Equal(t, 1, conn.closes())
		assert.Zero(t, conn.events.ListenerCount())
	}
}

func TestSessionModelConnectFailureTearsDownCleanly(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{dialErr: errExternal}
	sess, reg := startSession(t, rc, mc, SessionOptions{})

	waitStatus(t, sess, StatusFailed)
	assert.False(t, reg.IsActive("abc"))
	if room := rc.joined(); room != nil {
		assert.Equal(t, 1, room.closes())
		assert.Zero(t, room.events.ListenerCount())
	}
}

func TestSessionRoutesAudioConsumerIntoModel(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	sess, _ := startSession(t, rc, mc, SessionOptions{})
	waitStatus(t, sess, StatusActive)

	src := newFakeSource("c1")
	results := rc.joined().events.EmitForResults(core.KindConsumerAdded, core.ConsumerInfo{
		ConsumerID: "c1",
		ProducerID: "p1",
		Kind:       core.MediaAudio,
		Track:      src,
	})
	assert.Equal(t, []any{"c1"}, results)

	src.frames <- []byte("hello")
	require.Eventually(t, func() bool {
		return len(mc.dialed().received()) == 1
	}, waitFor, 10*time.Millisecond)
}

func TestSessionIgnoresVideoConsumer(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	sess, _ := startSession(t, rc, mc, SessionOptions{})
	waitStatus(t, sess, StatusActive)

	results := rc.joined().events.EmitForResults(core.KindConsumerAdded, core.ConsumerInfo{
		ConsumerID: "v1",
		ProducerID: "p1",
		Kind:       core.MediaVideo,
	})

	assert.Empty(t, results)
	assert.Equal(t, StatusActive, sess.Status())
}

func TestSessionToleratesAudioConsumerWithoutTrack(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	sess, _ := startSession(t, rc, mc, SessionOptions{})
	waitStatus(t, sess, StatusActive)

	results := rc.joined().events.EmitForResults(core.KindConsumerAdded, core.ConsumerInfo{
		ConsumerID: "c1",
		ProducerID: "p1",
		Kind:       core.MediaAudio,
		Track:      nil,
	})

	assert.Empty(t, results)
	assert.Equal(t, StatusActive, sess.Status())
}

func TestSessionProducerClosedReleasesBinding(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	sess, _ := startSession(t, rc, mc, SessionOptions{})
	waitStatus(t, sess, StatusActive)

	src := newFakeSource("c1")
	room := rc.joined()
	room.events.Emit(core.KindConsumerAdded, core.ConsumerInfo{
		ConsumerID: "c1", ProducerID: "p1", Kind: core.MediaAudio, Track: src,
	})
	src.frames <- []byte("one")
	require.Eventually(t, func() bool {
		return len(mc.dialed().received()) == 1
	}, waitFor, 10*time.Millisecond)

	room.events.Emit(core.KindProducerClosed, core.ProducerInfo{ProducerID: "p1"})
	src.frames <- []byte("two")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, mc.dialed().received(), 1)
}

func TestSessionModelAudioReachesOutboundTrack(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	out := &fakeOutTrack{}
	sess, _ := startSession(t, rc, mc, SessionOptions{OutTrack: out})
	waitStatus(t, sess, StatusActive)

	mc.dialed().events.Emit(core.KindModelAudio, core.ModelAudio{Data: []byte("speech")})

	require.Eventually(t, func() bool {
		frames := out.written()
		return len(frames) == 1 && string(frames[0]) == "speech"
	}, waitFor, 10*time.Millisecond)
}

func TestSessionRoomClosedReachesClosed(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	sess, reg := startSession(t, rc, mc, SessionOptions{})
	waitStatus(t, sess, StatusActive)

	rc.joined().events.Emit(core.KindRoomClosed, nil)

	waitStatus(t, sess, StatusClosed)
	assert.False(t, reg.IsActive("abc"))
	assert.Zero(t, rc.joined().events.ListenerCount())
	assert.Zero(t, mc.dialed().events.ListenerCount())
}

func TestSessionFatalModelErrorClosesRoomSide(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	sess, reg := startSession(t, rc, mc, SessionOptions{})
	waitStatus(t, sess, StatusActive)

	mc.dialed().events.Emit(core.KindModelError, errExternal)

	waitStatus(t, sess, StatusClosed)
	assert.Equal(t, 1, rc.joined().closes())
	assert.False(t, reg.IsActive("abc"))
}

func TestSessionModelDeathDuringJoinAbortsSetup(t *testing.T) {
	rc := &fakeRoomClient{joinDelay: 250 * time.Millisecond}
	mc := &fakeModelClient{}
	sess, reg := startSession(t, rc, mc, SessionOptions{})

	// Model listeners must be live before the room join settles.
	require.Eventually(t, func() bool {
		conn := mc.dialed()
		return conn != nil && conn.events.ListenerCount(core.KindModelClosed) > 0
	}, waitFor, time.Millisecond)

	conn := mc.dialed()
	conn.events.Emit(core.KindModelError, errExternal)
	conn.events.Emit(core.KindModelClosed, nil)

	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		t.Fatal("session survived a dead model connection")
	}
	assert.NotEqual(t, StatusActive, sess.Status())
	assert.False(t, reg.IsActive("abc"))
	assert.Equal(t, 1, conn.closes())
}

func TestSessionBindsConsumersArrivingBeforeModelConnects(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{dialDelay: 150 * time.Millisecond}
	sess, _ := startSession(t, rc, mc, SessionOptions{})

	// Room listeners are live while the model is still dialing.
	require.Eventually(t, func() bool {
		room := rc.joined()
		return room != nil && room.events.ListenerCount(core.KindConsumerAdded) > 0
	}, waitFor, time.Millisecond)

	src := newFakeSource("c1")
	results := rc.joined().events.EmitForResults(core.KindConsumerAdded, core.ConsumerInfo{
		ConsumerID: "c1", ProducerID: "p1", Kind: core.MediaAudio, Track: src,
	})
	assert.Equal(t, []any{"c1"}, results)

	waitStatus(t, sess, StatusActive)
	src.frames <- []byte("early")
	require.Eventually(t, func() bool {
		return len(mc.dialed().received()) == 1
	}, waitFor, 10*time.Millisecond)
}

// syncBuffer collects log output written from session goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSessionAdvisoryCloseLogsWithoutErrorLevel(t *testing.T) {
	buf := &syncBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(buf)
	defer func() { log.Logger = prev }()

	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	sess, _ := startSession(t, rc, mc, SessionOptions{})
	waitStatus(t, sess, StatusActive)

	mc.dialed().events.Emit(core.KindModelError, errExternal)
	waitStatus(t, sess, StatusClosed)
	<-sess.Done()

	var closing string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "session closing") {
			closing = line
			break
		}
	}
	require.NotEmpty(t, closing)
	assert.Contains(t, closing, `"level":"info"`)
	assert.Contains(t, closing, `"final":"closed"`)
}

func TestSessionTeardownRunsExactlyOnceUnderRacingTriggers(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	sess, reg := startSession(t, rc, mc, SessionOptions{})
	waitStatus(t, sess, StatusActive)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Stop()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rc.joined().events.Emit(core.KindRoomClosed, nil)
	}()
	wg.Wait()

	waitStatus(t, sess, StatusClosed)
	<-sess.Done()
	assert.Equal(t, 1, rc.joined().closes())
	assert.Equal(t, 1, mc.dialed().closes())
	assert.False(t, reg.IsActive("abc"))
}

func TestSessionStopBeforeSetupCompletes(t *testing.T) {
	rc := &fakeRoomClient{}
	mc := &fakeModelClient{}
	reg := NewRegistry()
	sess := NewSession(context.Background(), "abc", rc, mc, reg, SessionOptions{})
	require.NoError(t, reg.TryRegister("abc", sess))

	sess.Stop()
	go sess.Run()

	require.Eventually(t, func() bool {
		st := sess.Status()
		return st == StatusClosed || st == StatusFailed
	}, waitFor, 10*time.Millisecond)
	assert.False(t, reg.IsActive("abc"))
}
