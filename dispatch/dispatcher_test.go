package dispatch

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/landmark-tracking-service/cropping"
	"github.com/Tutortoise/landmark-tracking-service/detections"
	"github.com/Tutortoise/landmark-tracking-service/engine/enginetest"
	"github.com/Tutortoise/landmark-tracking-service/logging"
	"github.com/Tutortoise/landmark-tracking-service/models"
	"github.com/Tutortoise/landmark-tracking-service/protocol"
	"github.com/Tutortoise/landmark-tracking-service/transport"
)

var handConfig = models.EngineConfig{Operation: models.OperationHand}

var testParams = models.Params{ProcessWidth: 4, ProcessHeight: 4, MovingAverageWindow: 3}

func handRecord(x float32) enginetest.Record {
	return enginetest.Record{
		Score:         1,
		LandmarkScore: 1,
		Box:           models.Box{MinX: x, MinY: 0, MaxX: x + 10, MaxY: 10},
		Landmarks:     []models.Point{{X: x, Y: 0}},
	}
}

// sequenceEngine emits one hand detection per call at the next x.
func sequenceEngine(xs ...float32) *enginetest.Fake {
	var n atomic.Int32
	return &enginetest.Fake{Output: func(models.Frame, models.Params) ([]float32, error) {
		i := int(n.Add(1)) - 1
		return enginetest.Buffer(detections.HandLayout, handRecord(xs[i%len(xs)])), nil
	}}
}

func testImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	img.SetNRGBA(1, 1, color.NRGBA{R: 200, A: 255})
	return img
}

func newDispatcher(t *testing.T, cfg Config, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewTestLogger(t)), withNumCPU(4)}, opts...)
	d := New(cfg, opts...)
	t.Cleanup(func() { d.Close() })
	return d
}

func predict(t *testing.T, d *Dispatcher) *Prediction {
	t.Helper()
	pred, err := d.Predict(context.Background(), testParams, testImage())
	require.NoError(t, err)
	require.NotNil(t, pred)
	return pred
}

func TestMovingAverageEndToEnd(t *testing.T) {
	for _, mode := range []struct {
		name  string
		local bool
		want  Mode
	}{
		{"local", true, ModeLocal},
		{"worker", false, ModeWorker},
	} {
		t.Run(mode.name, func(t *testing.T) {
			fake := sequenceEngine(0, 10, 20, 30)
			d := newDispatcher(t, Config{Engine: handConfig, ProcessOnLocal: mode.local},
				WithEngineFactory(enginetest.Factory(fake)))
			require.Equal(t, mode.want, d.Mode())
			require.NoError(t, d.Init(context.Background()))

			var pred *Prediction
			for i := 0; i < 3; i++ {
				pred = predict(t, d)
			}
			require.NotNil(t, pred.Smoothed)
			assert.Equal(t, float32(10), pred.Smoothed.Keypoints[0].X)

			pred = predict(t, d)
			assert.False(t, pred.NotReady)
			require.Len(t, pred.Detections, 1)
			assert.Equal(t, float32(30), pred.Detections[0].Keypoints[0].X)
			assert.Equal(t, float32(20), pred.Smoothed.Keypoints[0].X)
			assert.Equal(t, 3, pred.Smoothed.Frames)

			assert.Equal(t, 4, fake.Calls())
			for _, f := range fake.Frames() {
				assert.Equal(t, 4, f.Width)
				assert.Equal(t, 4, f.Height)
			}
			assert.Equal(t, int64(4), d.Metrics().Predictions)
		})
	}
}

func TestNotReadyBeforeInit(t *testing.T) {
	fake := &enginetest.Fake{}
	d := newDispatcher(t, Config{Engine: handConfig, ProcessOnLocal: true}, WithEngineFactory(enginetest.Factory(fake)))

	pred := predict(t, d)
	assert.True(t, pred.NotReady)
	assert.Empty(t, pred.Detections)
	assert.Zero(t, fake.Calls())
	assert.Equal(t, int64(1), d.Metrics().NotReady)
}

func TestInitFailureIsFatal(t *testing.T) {
	for _, local := range []bool{true, false} {
		d := newDispatcher(t, Config{Engine: handConfig, ProcessOnLocal: local},
			WithEngineFactory(enginetest.FailingFactory(errors.New("model missing"))))

		err := d.Init(context.Background())
		var initErr *InitError
		require.ErrorAs(t, err, &initErr)
		assert.Contains(t, err.Error(), "model missing")

		_, err = d.Predict(context.Background(), testParams, testImage())
		assert.ErrorAs(t, err, &initErr)
	}
}

func TestEngineFailureKeepsWindow(t *testing.T) {
	var fail atomic.Bool
	fake := &enginetest.Fake{Output: func(models.Frame, models.Params) ([]float32, error) {
		if fail.Load() {
			return nil, errors.New("inference failed")
		}
		return enginetest.Buffer(detections.HandLayout, handRecord(5)), nil
	}}
	d := newDispatcher(t, Config{Engine: handConfig, ProcessOnLocal: true}, WithEngineFactory(enginetest.Factory(fake)))
	require.NoError(t, d.Init(context.Background()))

	predict(t, d)
	fail.Store(true)
	pred := predict(t, d)
	assert.False(t, pred.NotReady)
	assert.Empty(t, pred.Detections)
	assert.Nil(t, pred.Smoothed)
	assert.Equal(t, 1, d.window.Len())
	assert.Equal(t, int64(1), d.Metrics().Failures)
}

func TestSmoothingWindowBelongsToDispatcher(t *testing.T) {
	fake := sequenceEngine(0, 10, 20)
	first := newDispatcher(t, Config{Engine: handConfig, ProcessOnLocal: true}, WithEngineFactory(enginetest.Factory(fake)))
	require.NoError(t, first.Init(context.Background()))
	predict(t, first)
	assert.Equal(t, float32(5), predict(t, first).Smoothed.Keypoints[0].X)
	require.NoError(t, first.Close())

	second := newDispatcher(t, Config{Engine: handConfig, ProcessOnLocal: true}, WithEngineFactory(enginetest.Factory(fake)))
	require.NoError(t, second.Init(context.Background()))
	pred := predict(t, second)
	assert.Equal(t, float32(20), pred.Smoothed.Keypoints[0].X)
	assert.Equal(t, 1, pred.Smoothed.Frames)
}

func TestNonFiniteOutputIsFrameFailure(t *testing.T) {
	var bad atomic.Bool
	fake := &enginetest.Fake{Output: func(models.Frame, models.Params) ([]float32, error) {
		buf := enginetest.Buffer(detections.HandLayout, handRecord(5))
		if bad.Load() {
			buf[detections.HandLayout.Base+34] = float32(math.NaN())
		}
		return buf, nil
	}}
	for _, local := range []bool{true, false} {
		bad.Store(false)
		d := newDispatcher(t, Config{Engine: handConfig, ProcessOnLocal: local, MaxRestarts: 1},
			WithEngineFactory(enginetest.Factory(fake)))
		require.NoError(t, d.Init(context.Background()))
		predict(t, d)

		bad.Store(true)
		for i := 0; i < 3; i++ {
			pred := predict(t, d)
			assert.False(t, pred.NotReady)
			assert.Empty(t, pred.Detections)
			assert.Nil(t, pred.Smoothed)
		}
		assert.Equal(t, 1, d.window.Len())

		bad.Store(false)
		pred := predict(t, d)
		require.Len(t, pred.Detections, 1)
		assert.Equal(t, 2, pred.Smoothed.Frames)

		m := d.Metrics()
		assert.Equal(t, int64(3), m.Failures)
		assert.Zero(t, m.Restarts)
	}
}

// scripted hands the server end of every dialed pipe to the test.
func scripted() (Dialer, <-chan *transport.PipeConn) {
	conns := make(chan *transport.PipeConn, 4)
	return func(context.Context) (transport.Conn, error) {
		client, server := transport.NewPipe()
		conns <- server
		return client, nil
	}, conns
}

func receive(t *testing.T, conn transport.Conn) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := conn.Receive(ctx)
	require.NoError(t, err)
	return m
}

func send(t *testing.T, conn transport.Conn, m protocol.Message) {
	t.Helper()
	require.NoError(t, conn.Send(context.Background(), m))
}

func initScripted(t *testing.T, d *Dispatcher, conns <-chan *transport.PipeConn) *transport.PipeConn {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Init(context.Background()) }()
	server := <-conns
	require.IsType(t, protocol.Initialize{}, receive(t, server))
	send(t, server, protocol.Initialized{SessionID: "s1"})
	require.NoError(t, <-done)
	return server
}

func predictAsync(d *Dispatcher) <-chan *Prediction {
	out := make(chan *Prediction, 1)
	go func() {
		pred, _ := d.Predict(context.Background(), testParams, testImage())
		out <- pred
	}()
	return out
}

func hand(x float32) []models.DetectionRecord {
	return []models.DetectionRecord{{Score: 1, Keypoints: []models.Keypoint{{X: x}}}}
}

func TestMismatchedResponseIsIgnored(t *testing.T) {
	dial, conns := scripted()
	d := newDispatcher(t, Config{Engine: handConfig}, WithDialer(dial))
	server := initScripted(t, d, conns)

	result := predictAsync(d)
	req := receive(t, server).(protocol.Predict)
	send(t, server, protocol.Predicted{UID: req.UID + 1000, Detections: hand(99)})
	send(t, server, protocol.Predicted{UID: req.UID, Detections: hand(1)})

	pred := <-result
	require.NotNil(t, pred)
	assert.Equal(t, float32(1), pred.Detections[0].Keypoints[0].X)
	assert.Eventually(t, func() bool { return d.Metrics().Mismatches == 1 }, time.Second, 5*time.Millisecond)
}

func TestOutOfOrderResponsesAreCorrelated(t *testing.T) {
	dial, conns := scripted()
	d := newDispatcher(t, Config{Engine: handConfig}, WithDialer(dial))
	server := initScripted(t, d, conns)

	first := predictAsync(d)
	reqA := receive(t, server).(protocol.Predict)
	second := predictAsync(d)
	reqB := receive(t, server).(protocol.Predict)
	require.Less(t, reqA.UID, reqB.UID)

	send(t, server, protocol.Predicted{UID: reqB.UID, Detections: hand(2)})
	assert.Equal(t, float32(2), (<-second).Detections[0].Keypoints[0].X)

	select {
	case pred := <-first:
		t.Fatalf("A resolved by B's response: %+v", pred)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, d.Metrics().Pending)

	send(t, server, protocol.Predicted{UID: reqA.UID, Detections: hand(1)})
	assert.Equal(t, float32(1), (<-first).Detections[0].Keypoints[0].X)
	assert.Zero(t, d.Metrics().Mismatches)
}

func TestWorkerNotReadyResponse(t *testing.T) {
	dial, conns := scripted()
	d := newDispatcher(t, Config{Engine: handConfig}, WithDialer(dial))
	server := initScripted(t, d, conns)

	result := predictAsync(d)
	req := receive(t, server).(protocol.Predict)
	send(t, server, protocol.NotReady{UID: req.UID})
	assert.True(t, (<-result).NotReady)
}

func TestTimeoutResolvesNotReady(t *testing.T) {
	dial, conns := scripted()
	d := newDispatcher(t, Config{Engine: handConfig, RequestTimeout: 30 * time.Millisecond}, WithDialer(dial))
	server := initScripted(t, d, conns)

	result := predictAsync(d)
	req := receive(t, server).(protocol.Predict)
	pred := <-result
	require.NotNil(t, pred)
	assert.True(t, pred.NotReady)
	assert.Equal(t, int64(1), d.Metrics().Timeouts)

	// the late answer has nobody waiting for it
	send(t, server, protocol.Predicted{UID: req.UID, Detections: hand(1)})
	assert.Eventually(t, func() bool { return d.Metrics().Mismatches == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.Metrics().Pending)
}

func TestWorkerLossRestartsThenGivesUp(t *testing.T) {
	dial, conns := scripted()
	d := newDispatcher(t, Config{Engine: handConfig, MaxRestarts: 1}, WithDialer(dial))
	server := initScripted(t, d, conns)

	// pending request is released when the connection drops
	result := predictAsync(d)
	receive(t, server)
	require.NoError(t, server.Close())
	assert.True(t, (<-result).NotReady)

	// next predict re-initializes over a new connection
	result = predictAsync(d)
	server = <-conns
	require.IsType(t, protocol.Initialize{}, receive(t, server))
	send(t, server, protocol.Initialized{SessionID: "s2"})
	req := receive(t, server).(protocol.Predict)
	send(t, server, protocol.Predicted{UID: req.UID, Detections: hand(4)})
	pred := <-result
	require.NotNil(t, pred)
	assert.False(t, pred.NotReady)
	assert.Equal(t, int64(1), d.Metrics().Restarts)

	require.NoError(t, server.Close())
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.state == stateDead
	}, time.Second, 5*time.Millisecond)

	_, err := d.Predict(context.Background(), testParams, testImage())
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
}

func TestInitFailedMessage(t *testing.T) {
	dial, conns := scripted()
	d := newDispatcher(t, Config{Engine: handConfig}, WithDialer(dial))

	done := make(chan error, 1)
	go func() { done <- d.Init(context.Background()) }()
	server := <-conns
	receive(t, server)
	send(t, server, protocol.InitFailed{Reason: "unsupported model"})

	err := <-done
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "unsupported model", initErr.Reason)
}

func TestInitTimeout(t *testing.T) {
	dial, conns := scripted()
	d := newDispatcher(t, Config{Engine: handConfig, InitTimeout: 20 * time.Millisecond}, WithDialer(dial))
	go func() {
		server := <-conns
		_, _ = server.Receive(context.Background())
	}()

	var initErr *InitError
	assert.ErrorAs(t, d.Init(context.Background()), &initErr)
}

func TestSelectMode(t *testing.T) {
	assert.Equal(t, ModeLocal, selectMode(Config{ProcessOnLocal: true}, 8))
	assert.Equal(t, ModeWorker, selectMode(Config{}, 8))
	assert.Equal(t, ModeLocal, selectMode(Config{}, 1))
	assert.Equal(t, ModeWorker, selectMode(Config{UseWorkerOnSingleCore: true}, 1))
	assert.Equal(t, ModeWorker, selectMode(Config{WorkerURL: "ws://w/worker"}, 1))
}

func TestUIDsStrictlyIncrease(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	u := &uidSource{now: func() time.Time { return fixed }}
	prev := u.next()
	for i := 0; i < 1000; i++ {
		v := u.next()
		require.Greater(t, v, prev)
		prev = v
	}
}

func TestUIDsConcurrent(t *testing.T) {
	u := &uidSource{now: time.Now}
	var mu sync.Mutex
	seen := make(map[float64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				v := u.next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1600)
}

func TestToFrameDoesNotTouchSource(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	src.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	same, err := toFrame(src, 4, 4)
	require.NoError(t, err)
	require.True(t, same.Valid())
	same.Pix[0] = 99
	assert.Equal(t, uint8(10), src.Pix[0], "same-size frames are copies")

	smaller, err := toFrame(src, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, smaller.Width)
	assert.Len(t, smaller.Pix, 2*2*4)

	native, err := toFrame(src, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, native.Width)

	_, err = toFrame(image.NewNRGBA(image.Rect(0, 0, 0, 0)), 2, 2)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestFitCroppedArea(t *testing.T) {
	assert.Equal(t, models.Viewport{}, FitCroppedArea(nil, 100, 100, 1, 1, cropping.Extension{}))

	fake := sequenceEngine(1)
	d := newDispatcher(t, Config{Engine: handConfig, ProcessOnLocal: true}, WithEngineFactory(enginetest.Factory(fake)))
	require.NoError(t, d.Init(context.Background()))

	params := testParams
	params.ProcessWidth, params.ProcessHeight = 40, 40
	pred, err := d.Predict(context.Background(), params, testImage())
	require.NoError(t, err)

	v := FitCroppedArea(pred, 80, 80, 1, 1, cropping.Extension{})
	assert.InDelta(t, 20, v.Width, 1e-3)
	assert.InDelta(t, 20, v.Height, 1e-3)
	assert.InDelta(t, 2, v.XMin, 1e-3)
}

func TestCloseStopsPredict(t *testing.T) {
	fake := &enginetest.Fake{}
	d := newDispatcher(t, Config{Engine: handConfig, ProcessOnLocal: true}, WithEngineFactory(enginetest.Factory(fake)))
	require.NoError(t, d.Init(context.Background()))
	require.NoError(t, d.Close())
	assert.True(t, fake.Closed())

	_, err := d.Predict(context.Background(), testParams, testImage())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Init(context.Background()), ErrClosed)
}
