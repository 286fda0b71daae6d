package dempsy

import (
	"sync"
	"sync/atomic"
	"time"
)

// fifo is a simple unbounded, mutex-protected FIFO. It backs inqueue,
// deserQueue, and every ContainerWorker's per-container queue: all three
// are drained by a poll loop using spinWait's escalation rather than a
// blocking channel receive, so a worker can also observe a shutdown flag
// between pops without an extra select arm.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
}

func (f *fifo[T]) push(v T) {
	f.mu.Lock()
	f.items = append(f.items, v)
	f.mu.Unlock()
}

func (f *fifo[T]) tryPop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if len(f.items) == 0 {
		return zero, false
	}
	v := f.items[0]
	f.items[0] = zero
	f.items = f.items[1:]
	return v, true
}

func (f *fifo[T]) peek() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if len(f.items) == 0 {
		return zero, false
	}
	return f.items[0], true
}

func (f *fifo[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// ContainerJobMetadata names one delivery of a MessageDeliveryJob: which
// container slot on this node should receive it.
type ContainerJobMetadata struct {
	ClusterIndex int
}

// MessageDeliveryJob is the in-process envelope wrapping one inbound frame
// (§3): it lazily deserializes itself, computes the containers on this node
// that should receive it, individuates into one ContainerJob per
// destination, and releases its buffer exactly once all of those jobs have
// completed.
type MessageDeliveryJob struct {
	reader     LazyReader
	serializer Serializer
	limited    bool

	message RoutedMessage

	containersCalculated atomic.Bool
	deliveries           []ContainerJobMetadata

	queuedContainerJobsX    atomic.Int32
	unfinishedContainerJobsX atomic.Int32

	releaseOnce sync.Once
}

// calculateContainers deserializes the frame and computes this job's
// deliveries. Safe to call from any of the deserialization pool's workers;
// the Shuttle never observes partial state because containersCalculated is
// only flipped after deliveries is fully populated.
func (j *MessageDeliveryJob) calculateContainers(logger Logger, stats StatsCollector) {
	defer j.containersCalculated.Store(true)

	data := j.reader.Bytes()
	if err := j.serializer.Deserialize(data, &j.message); err != nil {
		logger.Printf("threading: dropping message: deserialize failed: %v", err)
		stats.MessageDiscarded()
		j.deliveries = nil
		return
	}
	j.deliveries = make([]ContainerJobMetadata, len(j.message.ContainerClusters))
	for i, idx := range j.message.ContainerClusters {
		j.deliveries[i] = ContainerJobMetadata{ClusterIndex: idx}
	}
}

// release closes the underlying frame buffer. Guaranteed to run exactly
// once per job, triggered by the last ContainerJob's completion (§3: "a
// MessageDeliveryJob is complete exactly once").
func (j *MessageDeliveryJob) release() {
	j.releaseOnce.Do(func() {
		j.reader.Close()
	})
}

// ContainerJob (the spec's "ContainerJobHolder") is the unit of work handed
// to a single ContainerWorker. It carries a plain back-reference to its
// parent job; §9 flags this as a cyclic-structure risk in manual-memory
// systems languages, which does not apply under Go's garbage collector, so
// the handle-not-pointer indirection that note recommends is unnecessary
// here.
type ContainerJob struct {
	job   *MessageDeliveryJob
	meta  ContainerJobMetadata
	model *OrderedPerContainerThreadingModel
}

// Metadata returns the delivery this job represents.
func (h *ContainerJob) Metadata() ContainerJobMetadata { return h.meta }

// Message returns the deserialized message this job delivers.
func (h *ContainerJob) Message() *RoutedMessage { return &h.job.message }

func (h *ContainerJob) markQueuedDone() {
	if h.job.queuedContainerJobsX.Add(-1) == 0 && h.job.limited {
		h.model.numLimited.Add(-1)
	}
}

func (h *ContainerJob) markUnfinishedDone() {
	if h.job.unfinishedContainerJobsX.Add(-1) == 0 {
		h.job.release()
	}
}

// containerWorker is one per Container: one owned goroutine, one unbounded
// FIFO, draining with the same spin/yield/sleep escalation as the Shuttle.
type containerWorker struct {
	container Container
	queue     fifo[*ContainerJob]
	stopping  atomic.Bool
	done      chan struct{}
}

func newContainerWorker(c Container) *containerWorker {
	return &containerWorker{container: c, done: make(chan struct{})}
}

func (w *containerWorker) offer(h *ContainerJob) bool {
	w.queue.push(h)
	return true
}

func (w *containerWorker) run() {
	defer close(w.done)
	n := 0
	for {
		h, ok := w.queue.tryPop()
		if !ok {
			if w.stopping.Load() {
				return
			}
			n = spinWait(n)
			continue
		}
		n = 0
		h.markQueuedDone()
		if w.stopping.Load() {
			w.container.Reject(h)
		} else {
			w.container.Process(h)
		}
		h.markUnfinishedDone()
	}
}

// stopAndDrain marks the worker stopping and rejects everything still
// queued, then waits for the goroutine to exit.
func (w *containerWorker) stopAndDrain() {
	w.stopping.Store(true)
	<-w.done
}

// OrderedPerContainerThreadingModel is the two-stage pipeline of §4.5:
// inbound frames deserialize in parallel across a fixed worker pool, but a
// single Shuttle releases them from deserQueue strictly in arrival order,
// so any two jobs that target the same container are delivered to it in
// the order they were submitted.
type OrderedPerContainerThreadingModel struct {
	cfg        *Config
	containers ContainerProvider

	inqueue    fifo[*MessageDeliveryJob]
	deserQueue fifo[*MessageDeliveryJob]
	deserJobs  chan *MessageDeliveryJob

	numLimited atomic.Int64

	workersMu sync.Mutex
	workers   map[int]*containerWorker

	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewOrderedPerContainerThreadingModel builds a threading model that
// resolves per-cluster-index Containers from containers.
func NewOrderedPerContainerThreadingModel(containers ContainerProvider, cfg *Config) *OrderedPerContainerThreadingModel {
	return &OrderedPerContainerThreadingModel{
		cfg:        cfg,
		containers: containers,
		deserJobs:  make(chan *MessageDeliveryJob, cfg.maxPendingLimited),
		workers:    make(map[int]*containerWorker),
	}
}

// Start launches the Shuttle and the deserialization pool.
func (m *OrderedPerContainerThreadingModel) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.shuttle()
	}()
	for i := 0; i < m.cfg.deserializationPool; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deserWorker()
		}()
	}
}

// Submit enqueues a newly received frame for unlimited processing. Never
// blocks.
func (m *OrderedPerContainerThreadingModel) Submit(r LazyReader, serializer Serializer) {
	m.inqueue.push(&MessageDeliveryJob{reader: r, serializer: serializer})
}

// noopLazyReader backs a SubmitDecoded job: there is no pooled frame buffer
// to release once the message completes (it never came off the wire).
type noopLazyReader struct{}

func (noopLazyReader) Bytes() []byte { return nil }
func (noopLazyReader) Close() error  { return nil }

// SubmitDecoded enqueues a message whose containers are already known —
// the "rare" immediate-route case §4.5 calls out, used for the dispatcher's
// self-loop feedback path (§4.4 step 5) where the message never traveled
// over the wire and so was never framed in the first place.
func (m *OrderedPerContainerThreadingModel) SubmitDecoded(msg RoutedMessage) {
	job := &MessageDeliveryJob{reader: noopLazyReader{}, message: msg}
	job.deliveries = make([]ContainerJobMetadata, len(msg.ContainerClusters))
	for i, idx := range msg.ContainerClusters {
		job.deliveries[i] = ContainerJobMetadata{ClusterIndex: idx}
	}
	job.containersCalculated.Store(true)
	m.inqueue.push(job)
}

// SubmitLimited enqueues a frame the same way Submit does, but also tracks
// it against the soft maxPendingLimited ceiling (threading.max_pending).
// It still never blocks or rejects at the inqueue; it returns false only to
// tell the caller the soft ceiling is currently exceeded, so callers at
// fan-in points that can tolerate shedding may choose to degrade upstream.
func (m *OrderedPerContainerThreadingModel) SubmitLimited(r LazyReader, serializer Serializer) bool {
	n := m.numLimited.Add(1)
	job := &MessageDeliveryJob{reader: r, serializer: serializer, limited: true}
	m.inqueue.push(job)
	return n <= int64(m.cfg.maxPendingLimited)
}

// Stop signals shutdown, then, unless threading.hard_shutdown is set (the
// default), waits up to Config.shutdownGrace for in-flight work to drain
// before force-rejecting whatever remains (§5 liveness: Stop always
// returns). With hardShutdown set, Stop skips the drain wait entirely and
// force-stops immediately.
func (m *OrderedPerContainerThreadingModel) Stop() {
	m.stopping.Store(true)

	if !m.cfg.hardShutdown {
		drained := make(chan struct{})
		go func() {
			for m.inqueue.len() > 0 || m.deserQueue.len() > 0 {
				time.Sleep(time.Millisecond)
			}
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(m.cfg.shutdownGrace):
			m.cfg.logger.Printf("threading: shutdown grace period elapsed with work still queued")
		}
	}

	m.workersMu.Lock()
	workers := make([]*containerWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workersMu.Unlock()
	for _, w := range workers {
		w.stopAndDrain()
	}

	close(m.deserJobs)
	m.wg.Wait()
}

func (m *OrderedPerContainerThreadingModel) shuttle() {
	n := 0
	for {
		progressed := false

		if job, ok := m.inqueue.tryPop(); ok {
			progressed = true
			if job.containersCalculated.Load() {
				m.fanOut(job)
			} else {
				m.deserQueue.push(job)
				m.submitForDeserialization(job)
			}
		}

		if job, ok := m.deserQueue.peek(); ok && job.containersCalculated.Load() {
			m.deserQueue.tryPop()
			m.fanOut(job)
			progressed = true
		}

		if progressed {
			n = 0
			continue
		}

		if m.stopping.Load() && m.inqueue.len() == 0 && m.deserQueue.len() == 0 {
			return
		}
		n = spinWait(n)
	}
}

func (m *OrderedPerContainerThreadingModel) submitForDeserialization(job *MessageDeliveryJob) {
	select {
	case m.deserJobs <- job:
	default:
		// Pool saturated: fall back to deserializing inline rather than
		// stalling the Shuttle. Defensive; the channel is sized to
		// maxPendingLimited and should not fill under normal load.
		job.calculateContainers(m.cfg.logger, m.cfg.stats)
	}
}

func (m *OrderedPerContainerThreadingModel) deserWorker() {
	for job := range m.deserJobs {
		job.calculateContainers(m.cfg.logger, m.cfg.stats)
	}
}

// fanOut individuates a ready job and dispatches one ContainerJob per
// delivery. All holders are constructed — and the job's outstanding-work
// counters pre-incremented — before any is enqueued, so a worker finishing
// the first holder can never observe a zero count while later holders are
// still being built (§4.5 step 2).
func (m *OrderedPerContainerThreadingModel) fanOut(job *MessageDeliveryJob) {
	if len(job.deliveries) == 0 {
		job.release()
		return
	}

	job.queuedContainerJobsX.Store(int32(len(job.deliveries)))
	job.unfinishedContainerJobsX.Store(int32(len(job.deliveries)))

	holders := make([]*ContainerJob, len(job.deliveries))
	for i, d := range job.deliveries {
		holders[i] = &ContainerJob{job: job, meta: d, model: m}
	}

	for _, h := range holders {
		w := m.workerFor(h.meta.ClusterIndex)
		if !w.offer(h) {
			// Would not normally occur against an unbounded queue;
			// defensive per §4.5 step 3.
			h.markQueuedDone()
			w.container.Reject(h)
			h.markUnfinishedDone()
		}
	}
}

func (m *OrderedPerContainerThreadingModel) workerFor(clusterIndex int) *containerWorker {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	w, ok := m.workers[clusterIndex]
	if !ok {
		w = newContainerWorker(m.containers.ContainerFor(clusterIndex))
		m.workers[clusterIndex] = w
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.run()
		}()
	}
	return w
}
