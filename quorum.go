package shimmer

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Comparator maps a response body to the key quorum votes are grouped by.
// Two bodies agree when their keys are equal. An error makes that node's
// vote void. Binary responses are always compared byte for byte.
type Comparator interface {
	Key(body []byte) (string, error)
}

type ComparatorFunc func(body []byte) (string, error)

func (f ComparatorFunc) Key(body []byte) (string, error) {
	return f(body)
}

func ExactBytes() Comparator {
	return ComparatorFunc(func(body []byte) (string, error) {
		return string(body), nil
	})
}

// CanonicalJSON treats bodies as equal when they hold the same JSON value,
// regardless of key order and whitespace.
func CanonicalJSON() Comparator {
	return ComparatorFunc(canonicalJSON)
}

// JSONFields only compares the values at the given gjson paths, for routes
// whose bodies carry node local data next to ledger state.
func JSONFields(paths ...string) Comparator {
	return ComparatorFunc(func(body []byte) (key string, err error) {
		if !json.Valid(body) {
			err = errors.New("body is not valid json")
			return
		}

		parts := make([]string, 0, len(paths))
		for i, result := range gjson.GetManyBytes(body, paths...) {
			if !result.Exists() {
				parts = append(parts, paths[i]+"=<missing>")
				continue
			}
			canonical, err2 := canonicalJSON([]byte(result.Raw))
			if err2 != nil {
				err = err2
				return
			}
			parts = append(parts, paths[i]+"="+canonical)
		}

		return strings.Join(parts, "\x00"), nil
	})
}

func canonicalJSON(body []byte) (key string, err error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var value any
	if err = decoder.Decode(&value); err != nil {
		err = errors.Wrap(err, "body is not valid json")
		return
	}
	if decoder.More() {
		err = errors.New("body holds more than one json value")
		return
	}

	out, err := json.Marshal(value)
	if err != nil {
		err = errors.WithStack(err)
		return
	}

	return string(out), nil
}

type outcome[T any] struct {
	node  Node
	body  []byte
	value T
	err   error
}

type voteGroup[T any] struct {
	key   string
	value T
	nodes []Node
}

// quorumDispatch sends spec to the first quorum-size read candidates at once
// and waits for every answer. Each sub-request runs under its own timeout.
func quorumDispatch[T any](ctx context.Context, m *NodeManager, spec RequestSpec, decode func([]byte) (T, error)) (out T, err error) {
	size := m.cfg.Quorum.Size
	candidates := m.Select(PurposeRead)
	if len(candidates) < size {
		m.metrics.quorumResult("pool_size")
		err = &QuorumPoolSizeError{Available: len(candidates), Required: size}
		return
	}
	candidates = candidates[:size]

	outcomes := make([]outcome[T], len(candidates))
	wg := &sync.WaitGroup{}
	for i, node := range candidates {
		wg.Add(1)
		go func(i int, node Node) {
			defer wg.Done()
			outcomes[i] = callAndDecode(ctx, m, node, spec, decode)
		}(i, node)
	}
	wg.Wait()

	return tally(m, spec, outcomes)
}

func tally[T any](m *NodeManager, spec RequestSpec, outcomes []outcome[T]) (out T, err error) {
	var groups []*voteGroup[T]
	var failures []NodeFailure

	comparator := m.cfg.Comparator
	if spec.AcceptBinary {
		comparator = ExactBytes()
	}

	for _, o := range outcomes {
		if o.err != nil {
			failures = append(failures, NodeFailure{URL: o.node.URL, Err: o.err})
			continue
		}

		key, keyErr := comparator.Key(o.body)
		if keyErr != nil {
			failures = append(failures, NodeFailure{URL: o.node.URL, Err: &MalformedResponseError{URL: o.node.URL, Err: keyErr}})
			continue
		}

		var group *voteGroup[T]
		for _, g := range groups {
			if g.key == key {
				group = g
				break
			}
		}
		if group == nil {
			group = &voteGroup[T]{key: key, value: o.value}
			groups = append(groups, group)
		}
		group.nodes = append(group.nodes, o.node)
	}

	var best *voteGroup[T]
	for _, g := range groups {
		if best == nil || len(g.nodes) > len(best.nodes) {
			best = g
		}
	}

	if best != nil && len(best.nodes) >= m.cfg.Quorum.MinAgreement {
		m.metrics.quorumResult("agreed")
		if len(groups) > 1 || len(failures) > 0 {
			m.log.Warn().
				Str("path", spec.Path).
				Int("agreed", len(best.nodes)).
				Int("groups", len(groups)).
				Int("failed", len(failures)).
				Msg("quorum reached with dissenting nodes")
		}
		return best.value, nil
	}

	m.metrics.quorumResult("mismatch")

	mismatch := &QuorumMismatchError{
		Path:     spec.Path,
		Required: m.cfg.Quorum.MinAgreement,
		Failures: failures,
	}
	for _, g := range groups {
		urls := make([]string, 0, len(g.nodes))
		for _, n := range g.nodes {
			urls = append(urls, n.URL)
		}
		mismatch.Tally = append(mismatch.Tally, QuorumGroup{Votes: len(g.nodes), URLs: urls})
	}
	mismatch.sortTally()

	err = mismatch
	return
}
