// Package gossip maintains an eventually consistent, cluster-wide
// replicated table of versioned records without central coordination.
//
// New and updated records fan out along a bounded active peer set (push),
// while a slower anti-entropy loop repairs gaps using compact set-difference
// filters (pull). Redundant push edges are collapsed by prune messages so
// the overlay converges to a low-redundancy spanning structure.
package gossip
