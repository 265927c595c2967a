package shimmer

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// fakeTransport answers calls from handler, counting calls per node and
// the highest number of calls in flight at once.
type fakeTransport struct {
	handler     func(node Node, spec RequestSpec) (*Response, error)
	delay       time.Duration
	inFlight    int64
	maxInFlight int64

	mu    sync.Mutex
	calls map[string]int
	specs []RequestSpec
}

var _ Transport = &fakeTransport{}

func newFakeTransport(handler func(node Node, spec RequestSpec) (*Response, error)) *fakeTransport {
	return &fakeTransport{handler: handler, calls: map[string]int{}}
}

func (f *fakeTransport) Do(ctx context.Context, node Node, spec RequestSpec) (*Response, error) {
	current := atomic.AddInt64(&f.inFlight, 1)
	defer atomic.AddInt64(&f.inFlight, -1)

	for {
		seen := atomic.LoadInt64(&f.maxInFlight)
		if current <= seen || atomic.CompareAndSwapInt64(&f.maxInFlight, seen, current) {
			break
		}
	}

	f.mu.Lock()
	f.calls[node.URL]++
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &TransportError{URL: node.URL, Err: ctx.Err()}
		}
	}

	return f.handler(node, spec)
}

func (f *fakeTransport) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeTransport) totalCalls() (total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		total += c
	}
	return
}

func (f *fakeTransport) pathCalls(path string) (count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.specs {
		if s.Path == path {
			count++
		}
	}
	return
}

func (f *fakeTransport) lastSpec() RequestSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

func okResponse(node Node, body string) (*Response, error) {
	return &Response{StatusCode: http.StatusOK, Body: []byte(body), URL: node.URL}, nil
}

func statusError(node Node, code int) (*Response, error) {
	return nil, &TransportError{Code: code, Text: http.StatusText(code), URL: node.URL}
}

func mustNodes(urls ...string) (nodes []Node) {
	for _, u := range urls {
		node, err := NewNode(u)
		if err != nil {
			panic(err)
		}
		nodes = append(nodes, node)
	}
	return
}

func mustManager(config NodeManagerConfig, transport Transport, opts ...ManagerOption) *NodeManager {
	manager, err := BuildNodeManager(config, append([]ManagerOption{WithTransport(transport)}, opts...)...)
	if err != nil {
		panic(err)
	}
	return manager
}
