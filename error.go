package shimmer

import (
	"fmt"
	"sort"
	"strings"
)

var (
	ErrConfig            = fmt.Errorf("invalid node manager config")
	ErrTransport         = fmt.Errorf("node request failed")
	ErrMalformedResponse = fmt.Errorf("malformed node response")
	ErrQuorumMismatch    = fmt.Errorf("quorum not reached")
	ErrQuorumPoolSize    = fmt.Errorf("not enough nodes for quorum")
	ErrNodesExhausted    = fmt.Errorf("all nodes failed")
	ErrNoAvailableNodes  = fmt.Errorf("no available nodes")
)

type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConfig, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// TransportError is a network failure or a non-2xx response from one node.
// Code is zero when no response was received.
type TransportError struct {
	Code int
	Text string
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("%s: %s: %v", ErrTransport, e.URL, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: status %d: %v", ErrTransport, e.URL, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: status %d: %s", ErrTransport, e.URL, e.Code, strings.TrimSpace(e.Text))
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedResponseError means a node answered but the body could not be
// decoded. The node's answer is discarded, it is never asked again for the
// same call.
type MalformedResponseError struct {
	URL string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s from %s: %v", ErrMalformedResponse, e.URL, e.Err)
}

func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

type NodeFailure struct {
	URL string
	Err error
}

func (f NodeFailure) String() string {
	return fmt.Sprintf("%s: %v", f.URL, f.Err)
}

// NodesExhaustedError is returned by sequential requests once every candidate
// node failed. Failures keeps the order the nodes were tried in.
type NodesExhaustedError struct {
	Path     string
	Failures []NodeFailure
}

func (e *NodesExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s (%d tried) for %s: [%s]", ErrNodesExhausted, len(e.Failures), e.Path, strings.Join(parts, "; "))
}

func (e *NodesExhaustedError) Unwrap() error {
	return ErrNodesExhausted
}

type QuorumGroup struct {
	Votes int
	URLs  []string
}

// QuorumMismatchError carries the vote tally, largest group first, plus the
// nodes whose vote did not count at all.
type QuorumMismatchError struct {
	Path     string
	Required int
	Tally    []QuorumGroup
	Failures []NodeFailure
}

func (e *QuorumMismatchError) Error() string {
	best := 0
	if len(e.Tally) > 0 {
		best = e.Tally[0].Votes
	}
	groups := make([]string, 0, len(e.Tally))
	for _, g := range e.Tally {
		groups = append(groups, fmt.Sprintf("%d:%s", g.Votes, strings.Join(g.URLs, ",")))
	}
	msg := fmt.Sprintf("%s for %s: best agreement %d, required %d, groups [%s]", ErrQuorumMismatch, e.Path, best, e.Required, strings.Join(groups, " | "))
	if len(e.Failures) > 0 {
		failures := make([]string, 0, len(e.Failures))
		for _, f := range e.Failures {
			failures = append(failures, f.String())
		}
		msg += fmt.Sprintf(", failed [%s]", strings.Join(failures, "; "))
	}
	return msg
}

func (e *QuorumMismatchError) Unwrap() error {
	return ErrQuorumMismatch
}

func (e *QuorumMismatchError) sortTally() {
	sort.SliceStable(e.Tally, func(i, j int) bool {
		return e.Tally[i].Votes > e.Tally[j].Votes
	})
}

type QuorumPoolSizeError struct {
	Available int
	Required  int
}

func (e *QuorumPoolSizeError) Error() string {
	return fmt.Sprintf("%s: %d available, %d required", ErrQuorumPoolSize, e.Available, e.Required)
}

func (e *QuorumPoolSizeError) Unwrap() error {
	return ErrQuorumPoolSize
}
