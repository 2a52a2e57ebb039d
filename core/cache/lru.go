package cache

import (
	"container/list"
	"time"
)

type LRUOpts struct {
	Size int
}

type entry struct {
	key       string
	val       any
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key  string
	val  any
	opts []PutOption
}

// LRU is an in-memory cache with LRU eviction and optional per-entry TTL.
// All operations are serialized through a background goroutine, so it is
// safe for concurrent use without external locking. Expired entries are
// lazily evicted on access. Close stops the goroutine.
type LRU struct {
	getCh chan getReq
	putCh chan putReq
	delCh chan string
	done  chan struct{}
}

func (L *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp)
	select {
	case L.getCh <- getReq{key: key, resp: resp}:
		r := <-resp
		return r.val, r.ok
	case <-L.done:
		return nil, false
	}
}

func (L *LRU) Put(key string, val any, opts ...PutOption) {
	select {
	case L.putCh <- putReq{key: key, val: val, opts: opts}:
	case <-L.done:
	}
}

func (L *LRU) Delete(key string) {
	select {
	case L.delCh <- key:
	case <-L.done:
	}
}

// Close stops the background goroutine. The cache must not be used afterwards.
func (L *LRU) Close() {
	close(L.done)
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU{
		getCh: make(chan getReq),
		putCh: make(chan putReq),
		delCh: make(chan string),
		done:  make(chan struct{}),
	}

	go l.run(opts.Size)

	return l
}

func (L *LRU) run(size int) {
	ll := list.New()
	cache := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(cache, ele.Value.(*entry).key)
	}

	for {
		select {
		case <-L.done:
			return
		case req := <-L.getCh:
			ele, ok := cache[req.key]
			if !ok {
				req.resp <- getResp{ok: false}
				continue
			}
			e := ele.Value.(*entry)
			if e.expired(time.Now()) {
				remove(ele)
				req.resp <- getResp{ok: false}
				continue
			}
			ll.MoveToFront(ele)
			req.resp <- getResp{val: e.val, ok: true}
		case req := <-L.putCh:
			var o PutOptions
			for _, opt := range req.opts {
				opt(&o)
			}
			var expiresAt time.Time
			if o.TTL > 0 {
				expiresAt = time.Now().Add(o.TTL)
			}
			if ele, ok := cache[req.key]; ok {
				ll.MoveToFront(ele)
				e := ele.Value.(*entry)
				e.val = req.val
				e.expiresAt = expiresAt
			} else {
				ele := ll.PushFront(&entry{key: req.key, val: req.val, expiresAt: expiresAt})
				cache[req.key] = ele
				if ll.Len() > size {
					if last := ll.Back(); last != nil {
						remove(last)
					}
				}
			}
		case key := <-L.delCh:
			if ele, ok := cache[key]; ok {
				remove(ele)
			}
		}
	}
}

var _ Cache = (*LRU)(nil)
