package disk

import (
	"sync"
	"sync/atomic"
)

const reqQueueDepth = 100

// NewScheduler starts a scheduler with no attached devices.
func NewScheduler() *Scheduler {
	ds := &Scheduler{
		reqCh:      make(chan Request, reqQueueDepth),
		blockQueue: make(map[blockKey][]Request),
		devices:    make(map[uint32]*Manager),
	}

	ds.wg.Add(1)
	go ds.handleDiskReq()
	return ds
}

// NewRequest builds a request whose response channel never blocks the worker.
func NewRequest(dev, blockno uint32, data []byte, isWrite bool) Request {
	return Request{
		Dev:    dev,
		Block:  blockno,
		Data:   data,
		Write:  isWrite,
		RespCh: make(chan Response, 1),
	}
}

// Attach makes m available as device dev.
func (ds *Scheduler) Attach(dev uint32, m *Manager) {
	ds.devicesMu.Lock()
	defer ds.devicesMu.Unlock()
	ds.devices[dev] = m
}

// Schedule queues req and returns the channel its response is delivered on.
// Requests for the same block are served in submission order.
func (ds *Scheduler) Schedule(req Request) <-chan Response {
	ds.reqCh <- req
	return req.RespCh
}

// Rw transfers one block synchronously. Reads fill data in place.
func (ds *Scheduler) Rw(dev, blockno uint32, data []byte, write bool) error {
	resp := <-ds.Schedule(NewRequest(dev, blockno, data, write))
	return resp.Err
}

// Stats returns the number of completed block reads and writes.
func (ds *Scheduler) Stats() (reads, writes uint64) {
	return ds.reads.Load(), ds.writes.Load()
}

// Close stops accepting requests and waits for queued ones to finish.
func (ds *Scheduler) Close() {
	close(ds.reqCh)
	ds.wg.Wait()
}

func (ds *Scheduler) handleDiskReq() {
	defer ds.wg.Done()

	for req := range ds.reqCh {
		key := blockKey{dev: req.Dev, block: req.Block}

		ds.blockQueueMu.Lock()
		queue, ok := ds.blockQueue[key]
		ds.blockQueue[key] = append(queue, req)

		// !ok means we created a new block queue, therefore we should start a
		// new worker to handle the queue's requests
		if !ok {
			ds.wg.Add(1)
			go ds.blockWorker(key)
		}
		ds.blockQueueMu.Unlock()
	}
}

func (ds *Scheduler) blockWorker(key blockKey) {
	defer ds.wg.Done()

	for {
		ds.blockQueueMu.Lock()
		queue := ds.blockQueue[key]
		if len(queue) == 0 {
			// done handling requests for this block, can remove it from queue
			delete(ds.blockQueue, key)
			ds.blockQueueMu.Unlock()
			return
		}
		req := queue[0]
		ds.blockQueue[key] = queue[1:]
		ds.blockQueueMu.Unlock()

		req.RespCh <- ds.serve(req)
	}
}

func (ds *Scheduler) serve(req Request) Response {
	ds.devicesMu.RLock()
	dm, ok := ds.devices[req.Dev]
	ds.devicesMu.RUnlock()
	if !ok {
		return Response{Err: ErrNoDevice}
	}

	if req.Write {
		if err := dm.writeBlock(req.Block, req.Data); err != nil {
			return Response{Err: err}
		}
		ds.writes.Add(1)
		return Response{Success: true}
	}

	if err := dm.readBlock(req.Block, req.Data); err != nil {
		return Response{Err: err}
	}
	ds.reads.Add(1)
	return Response{Success: true}
}

type blockKey struct {
	dev   uint32
	block uint32
}

type Scheduler struct {
	reqCh chan Request
	wg    sync.WaitGroup

	devices   map[uint32]*Manager
	devicesMu sync.RWMutex

	blockQueue   map[blockKey][]Request
	blockQueueMu sync.Mutex

	reads  atomic.Uint64
	writes atomic.Uint64
}

type Request struct {
	Dev    uint32
	Block  uint32
	Data   []byte
	Write  bool
	RespCh chan Response
}

type Response struct {
	Success bool
	Err     error
}
