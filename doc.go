/*
Package shimmer is a client for the node HTTP API of a Shimmer/IOTA style UTXO
ledger network.

No single node is trusted. Requests go through a NodeManager which selects
nodes by purpose and sync health, fails over sequentially between them, and
can require a quorum of independently queried nodes to agree on a response
before it is returned. Bulk lookups are fanned out through FetchAll under a
hard concurrency bound.

Key material never lives in this package, see the secret subpackage.
*/

package shimmer
