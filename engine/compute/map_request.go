package compute

import (
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/google/uuid"
)

// MapCallback receives the contents of a buffer read back with ReadBufferFromGPU. data is valid only
// for the duration of the call; copy anything that must outlive it.
type MapCallback func(data []byte, userdata any)

type mapRequestState int

const (
	// copy recorded, waiting for the pipeline to submit it
	mapRequestRecorded mapRequestState = iota
	// MapAsync issued, waiting for the device
	mapRequestMapping
	// device answered; err holds the outcome
	mapRequestReady
)

// mapRequest is one outstanding read-back. The staging buffer belongs to the request.
type mapRequest struct {
	id       uuid.UUID
	index    int
	staging  gpu.Buffer
	byteSize uint64
	mapSize  uint64
	callback MapCallback
	userdata any

	state mapRequestState
	err   error
}

// mapRequestQueue holds a pass's read-backs in request order.
type mapRequestQueue struct {
	requests []*mapRequest
}

func (q *mapRequestQueue) push(r *mapRequest) {
	q.requests = append(q.requests, r)
}

func (q *mapRequestQueue) len() int {
	return len(q.requests)
}

// issue starts the device map for every request whose copy has been submitted. A request the device
// refuses becomes ready with its error so drain reports it.
func (q *mapRequestQueue) issue() int {
	issued := 0
	for _, r := range q.requests {
		if r.state != mapRequestRecorded {
			continue
		}
		req := r
		err := req.staging.MapAsync(0, req.mapSize, func(err error) {
			req.err = err
			req.state = mapRequestReady
		})
		if err != nil {
			req.err = err
			req.state = mapRequestReady
			continue
		}
		req.state = mapRequestMapping
		issued++
	}
	return issued
}

// drain fires callbacks for ready requests in request order and releases their staging buffers.
// Requests still waiting on the device stay queued, ahead of any requests a callback adds. When a
// callback releases the owning pass, alive turns false and the rest are released unfired.
func (q *mapRequestQueue) drain(alive func() bool, onError func(r *mapRequest, err error)) {
	pending := q.requests
	q.requests = nil

	var remaining []*mapRequest
	for i, r := range pending {
		if !alive() {
			for _, rest := range pending[i:] {
				rest.staging.Release()
			}
			for _, rest := range remaining {
				rest.staging.Release()
			}
			return
		}
		if r.state != mapRequestReady {
			remaining = append(remaining, r)
			continue
		}
		if r.err != nil {
			onError(r, r.err)
			r.staging.Release()
			continue
		}
		data := r.staging.MappedRange(0, r.mapSize)
		if uint64(len(data)) >= r.byteSize {
			r.callback(data[:r.byteSize], r.userdata)
		} else {
			onError(r, gpu.ErrOutOfBounds)
		}
		r.staging.Unmap()
		r.staging.Release()
	}
	q.requests = append(remaining, q.requests...)
}

// drop releases every request without firing its callback.
func (q *mapRequestQueue) drop() int {
	n := len(q.requests)
	for _, r := range q.requests {
		r.staging.Release()
	}
	q.requests = nil
	return n
}

// abandon releases requests whose copy was never submitted. Their callbacks never fire.
func (q *mapRequestQueue) abandon() int {
	kept := q.requests[:0]
	n := 0
	for _, r := range q.requests {
		if r.state == mapRequestRecorded {
			r.staging.Release()
			n++
			continue
		}
		kept = append(kept, r)
	}
	clear(q.requests[len(kept):])
	q.requests = kept
	return n
}

// waiting returns the number of requests whose map has been issued but not answered.
func (q *mapRequestQueue) waiting() int {
	n := 0
	for _, r := range q.requests {
		if r.state == mapRequestMapping {
			n++
		}
	}
	return n
}
