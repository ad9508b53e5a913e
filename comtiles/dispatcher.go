package comtiles

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// defaultMaxMergedSpan bounds how far apart two tile ranges may be and
// still be coalesced into one GET, so a single distant tile request does
// not drag a huge dead zone of wasted bandwidth into a merged fetch.
// pmtiles/downloader.go's DownloadBatchedParts stub documents the same
// overhead-ratio idea in its comment but never implements it; this is the
// completed form of that contract. Sized well under spec §8 scenario (e)'s
// negative example (offsets 49100 bytes apart must not merge) while still
// comfortably spanning a cluster of neighboring tiles.
const defaultMaxMergedSpan = 32 * 1024

// BatchDispatcher coalesces tile-range reads arriving within throttleMs of
// one another into merged range GETs against a single archive key, then
// splits the response back out per caller. Completes the behavior
// pmtiles/downloader.go's DownloadBatchedParts left as a stub.
type BatchDispatcher struct {
	bucket     Bucket
	key        string
	throttle   time.Duration
	maxSpan    uint64

	mu      sync.Mutex
	pending []*batchRequest
	timer   *time.Timer
}

type batchRequest struct {
	rng    Range
	result chan batchResult
	queued time.Time
}

type batchResult struct {
	data []byte
	err  error
}

// NewBatchDispatcher returns a dispatcher that merges requests arriving
// within throttleMs of each other.
func NewBatchDispatcher(bucket Bucket, key string, throttleMs int) *BatchDispatcher {
	return &BatchDispatcher{
		bucket:   bucket,
		key:      key,
		throttle: time.Duration(throttleMs) * time.Millisecond,
		maxSpan:  defaultMaxMergedSpan,
	}
}

// Fetch enqueues rng for the next merge window and blocks until its bytes
// are available, the context is cancelled, or the dispatcher aborts.
// Cancelling ctx drops this caller's wait. A request cancelled before its
// batch is dispatched is removed from the batch (a batch whose requests
// were all cancelled issues no fetch); once a merged fetch has been
// dispatched it runs to completion, and is not aborted even when every
// waiter on it has cancelled.
func (d *BatchDispatcher) Fetch(ctx context.Context, rng Range) ([]byte, error) {
	req := &batchRequest{rng: rng, result: make(chan batchResult, 1), queued: nowFunc()}

	d.mu.Lock()
	d.pending = append(d.pending, req)
	if d.timer == nil {
		d.timer = time.AfterFunc(d.throttle, d.flush)
	}
	d.mu.Unlock()

	select {
	case res := <-req.result:
		return res.data, res.err
	case <-ctx.Done():
		d.cancel(req)
		return nil, ErrCancelled
	}
}

// cancel removes req from the pending batch if it has not yet been
// dispatched. If it already has been (the timer fired first), the caller
// simply stops waiting on its own result channel; the shared fetch
// continues for any other waiter sharing the same merged range.
func (d *BatchDispatcher) cancel(req *batchRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.pending {
		if r == req {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

func (d *BatchDispatcher) flush() {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	for _, group := range groupByProximity(batch, d.maxSpan) {
		d.fetchGroup(group)
	}
}

// groupByProximity sorts requests by offset and merges neighbors whose
// combined span does not exceed maxSpan, preserving FIFO fairness within
// each resulting group (spec §4.5: no request starves past 2*throttleMs,
// satisfied here because every request in this batch was queued within one
// throttle window and is flushed together).
func groupByProximity(reqs []*batchRequest, maxSpan uint64) [][]*batchRequest {
	sorted := make([]*batchRequest, len(reqs))
	copy(sorted, reqs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].rng.Offset < sorted[j].rng.Offset })

	var groups [][]*batchRequest
	cur := []*batchRequest{sorted[0]}
	curStart := sorted[0].rng.Offset

	for _, r := range sorted[1:] {
		curEnd := cur[len(cur)-1].rng.end()
		span := r.rng.end() - curStart
		if r.rng.Offset <= curEnd+1 || span <= maxSpan {
			cur = append(cur, r)
			continue
		}
		groups = append(groups, cur)
		cur = []*batchRequest{r}
		curStart = r.rng.Offset
	}
	groups = append(groups, cur)
	return groups
}

func (d *BatchDispatcher) fetchGroup(group []*batchRequest) {
	start := group[0].rng.Offset
	end := group[0].rng.end()
	for _, r := range group[1:] {
		if r.rng.Offset < start {
			start = r.rng.Offset
		}
		if r.rng.end() > end {
			end = r.rng.end()
		}
	}
	length := end - start + 1

	rc, err := d.bucket.NewRangeReader(context.Background(), d.key, int64(start), int64(length))
	if err != nil {
		broadcast(group, nil, err)
		return
	}
	defer rc.Close()
	merged, err := io.ReadAll(rc)
	if err != nil {
		broadcast(group, nil, err)
		return
	}

	for _, r := range group {
		lo := r.rng.Offset - start
		hi := lo + r.rng.Length
		if hi > uint64(len(merged)) {
			r.result <- batchResult{err: io.ErrUnexpectedEOF}
			continue
		}
		r.result <- batchResult{data: merged[lo:hi]}
	}
}

func broadcast(group []*batchRequest, data []byte, err error) {
	for _, r := range group {
		r.result <- batchResult{data: data, err: err}
	}
}

// nowFunc is the clock that stamps batchRequest.queued; it is a package
// variable rather than a direct time.Now call so it can be replaced.
var nowFunc = time.Now
