package model

import (
	"sort"
	"strings"
)

// NodeAddress identifies one storage node that exposes the resource usage
// subscription endpoint. Identity is the endpoint; ID is the directory key
// the node was registered under and is informational only.
type NodeAddress struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// Key returns the identity used for membership reconciliation.
func (a NodeAddress) Key() string {
	return a.Endpoint
}

func (a NodeAddress) String() string {
	if a.ID == "" || a.ID == a.Endpoint {
		return a.Endpoint
	}
	return a.ID + "@" + a.Endpoint
}

// Member is one entry of a membership snapshot.
type Member struct {
	Address  NodeAddress `json:"address"`
	Revision int64       `json:"revision"`
}

// Membership is a full snapshot of subscribable nodes keyed by endpoint.
type Membership map[string]Member

func NewMembership(members ...Member) Membership {
	m := make(Membership, len(members))
	for _, member := range members {
		m.Put(member)
	}
	return m
}

// Put adds a member. When two directory entries resolve to the same endpoint
// the one with the higher revision is kept.
func (m Membership) Put(member Member) {
	key := strings.TrimSpace(member.Address.Key())
	if key == "" {
		return
	}
	if cur, ok := m[key]; ok && cur.Revision > member.Revision {
		return
	}
	m[key] = member
}

func (m Membership) Has(endpoint string) bool {
	_, ok := m[endpoint]
	return ok
}

// Endpoints returns the member endpoints in sorted order.
func (m Membership) Endpoints() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m Membership) Clone() Membership {
	out := make(Membership, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
