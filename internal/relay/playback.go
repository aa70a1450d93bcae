package relay

// playbackQueue is the bounded per-call buffer of agent audio awaiting
// delivery to the caller. Order is preserved; under sustained overflow the
// oldest frames are dropped so the queue can never grow without bound.
// Single producer (the agent pump); push and clear run on that goroutine.
type playbackQueue struct {
	frames  chan string
	dropped func()
}

func newPlaybackQueue(size int, onDrop func()) *playbackQueue {
	if size <= 0 {
		size = 256
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &playbackQueue{
		frames:  make(chan string, size),
		dropped: onDrop,
	}
}

// push enqueues a frame, evicting the oldest when full.
func (q *playbackQueue) push(payloadB64 string) {
	for {
		select {
		case q.frames <- payloadB64:
			return
		default:
		}
		// Full: drop the oldest frame and retry. The consumer may race us
		// for that frame, so loop rather than assume the slot is free.
		select {
		case <-q.frames:
			q.dropped()
		default:
		}
	}
}

// clear discards every queued frame. Used on interruption so stale agent
// audio is never played after the caller has spoken over it.
func (q *playbackQueue) clear() int {
	cleared := 0
	for {
		select {
		case <-q.frames:
			cleared++
		default:
			return cleared
		}
	}
}

func (q *playbackQueue) out() <-chan string {
	return q.frames
}

func (q *playbackQueue) len() int {
	return len(q.frames)
}
