package dempsy

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLazyReader struct {
	data   []byte
	closed atomic.Bool
}

func newFakeLazyReader(t *testing.T, msg RoutedMessage) *fakeLazyReader {
	t.Helper()
	b, err := NewGobSerializer().Serialize(msg)
	require.NoError(t, err)
	return &fakeLazyReader{data: b}
}

func (r *fakeLazyReader) Bytes() []byte { return r.data }
func (r *fakeLazyReader) Close() error  { r.closed.Store(true); return nil }

// recordingContainer appends the key of every processed job to order,
// letting tests assert per-container arrival ordering.
type recordingContainer struct {
	mu        *sync.Mutex
	order     *[]string
	processed chan struct{}
}

func (c recordingContainer) Process(job *ContainerJob) {
	c.mu.Lock()
	*c.order = append(*c.order, string(job.Message().Key))
	c.mu.Unlock()
	if c.processed != nil {
		c.processed <- struct{}{}
	}
}

func (c recordingContainer) Reject(job *ContainerJob) {
	c.mu.Lock()
	*c.order = append(*c.order, "REJECTED:"+string(job.Message().Key))
	c.mu.Unlock()
	if c.processed != nil {
		c.processed <- struct{}{}
	}
}

func newRecordingThreadingModel(t *testing.T, n int) (*OrderedPerContainerThreadingModel, *[]string, chan struct{}) {
	t.Helper()
	var mu sync.Mutex
	order := make([]string, 0, n)
	processed := make(chan struct{}, n)
	cfg := NewConfig(WithDeserializationPool(2))
	provider := ContainerProviderFunc(func(int) Container {
		return recordingContainer{mu: &mu, order: &order, processed: processed}
	})
	model := NewOrderedPerContainerThreadingModel(provider, cfg)
	model.Start()
	return model, &order, processed
}

func drain(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for job %d/%d to process", i+1, n)
		}
	}
}

func TestThreadingModelPreservesPerContainerOrder(t *testing.T) {
	model, order, processed := newRecordingThreadingModel(t, 5)
	defer model.Stop()

	for i := 0; i < 5; i++ {
		key := []byte{byte('a' + i)}
		msg := RoutedMessage{ContainerClusters: []int{0}, Key: key}
		model.Submit(newFakeLazyReader(t, msg), NewGobSerializer())
	}

	drain(t, processed, 5)

	require.Equal(t, []string{"a", "b", "c", "d", "e"}, *order)
}

func TestThreadingModelFansOutAcrossContainers(t *testing.T) {
	model, order, processed := newRecordingThreadingModel(t, 3)
	defer model.Stop()

	msg := RoutedMessage{ContainerClusters: []int{0, 1, 2}, Key: []byte("multi")}
	model.Submit(newFakeLazyReader(t, msg), NewGobSerializer())

	drain(t, processed, 3)

	require.Len(t, *order, 3)
	for _, k := range *order {
		require.Equal(t, "multi", k)
	}
}

func TestMessageDeliveryJobReleasesBufferExactlyOnce(t *testing.T) {
	model, _, processed := newRecordingThreadingModel(t, 2)
	defer model.Stop()

	msg := RoutedMessage{ContainerClusters: []int{0, 1}, Key: []byte("k")}
	reader := newFakeLazyReader(t, msg)
	model.Submit(reader, NewGobSerializer())

	drain(t, processed, 2)

	require.Eventually(t, func() bool { return reader.closed.Load() }, time.Second, time.Millisecond)
}

func TestSubmitDecodedSkipsDeserialization(t *testing.T) {
	model, order, processed := newRecordingThreadingModel(t, 1)
	defer model.Stop()

	model.SubmitDecoded(RoutedMessage{ContainerClusters: []int{0}, Key: []byte("direct")})

	drain(t, processed, 1)
	require.Equal(t, []string{"direct"}, *order)
}

func TestSubmitLimitedReportsSoftCeiling(t *testing.T) {
	cfg := NewConfig(WithMaxPendingLimited(1), WithDeserializationPool(1))
	provider := ContainerProviderFunc(func(int) Container {
		return recordingContainer{mu: &sync.Mutex{}, order: &[]string{}}
	})
	model := NewOrderedPerContainerThreadingModel(provider, cfg)
	model.Start()
	defer model.Stop()

	msg := RoutedMessage{ContainerClusters: []int{0}, Key: []byte("x")}
	ok1 := model.SubmitLimited(newFakeLazyReader(t, msg), NewGobSerializer())
	ok2 := model.SubmitLimited(newFakeLazyReader(t, msg), NewGobSerializer())

	require.True(t, ok1)
	require.False(t, ok2)
}

func TestThreadingModelGracefulStopHandlesQueuedWorkOnce(t *testing.T) {
	cfg := NewConfig(WithDeserializationPool(1), WithShutdownGrace(50*time.Millisecond), WithHardShutdown(false))
	var mu sync.Mutex
	var order []string
	provider := ContainerProviderFunc(func(int) Container {
		return recordingContainer{mu: &mu, order: &order}
	})
	model := NewOrderedPerContainerThreadingModel(provider, cfg)
	model.Start()

	msg := RoutedMessage{ContainerClusters: []int{0}, Key: []byte("late")}
	model.Submit(newFakeLazyReader(t, msg), NewGobSerializer())

	model.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 1)
}

func TestThreadingModelHardShutdownSkipsDrainWait(t *testing.T) {
	cfg := NewConfig(WithDeserializationPool(1), WithShutdownGrace(time.Hour))
	var mu sync.Mutex
	var order []string
	provider := ContainerProviderFunc(func(int) Container {
		return recordingContainer{mu: &mu, order: &order}
	})
	model := NewOrderedPerContainerThreadingModel(provider, cfg)
	model.Start()

	msg := RoutedMessage{ContainerClusters: []int{0}, Key: []byte("late")}
	model.Submit(newFakeLazyReader(t, msg), NewGobSerializer())

	stopped := make(chan struct{})
	go func() {
		model.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return promptly with the default hard_shutdown=true")
	}
}
