package repository

import (
	"math/rand/v2"

	"github.com/okian/rewards/internal/domain/model"
)

// rankIndex is an order-statistic treap over leaderboard keys.
//
// Ordering: points DESC, then current streak DESC, then user id ASC. "less"
// means ranks earlier, so an in-order walk yields the leaderboard best first
// and the rank of a key is the number of keys less than it, plus one.
type rankIndex struct {
	root *node
	keys map[string]rankKey
}

type rankKey struct {
	id     string
	points int64
	streak int
}

type node struct {
	key   rankKey
	prio  uint64
	left  *node
	right *node
	size  int
}

func newRankIndex() *rankIndex {
	return &rankIndex{keys: make(map[string]rankKey)}
}

func keyOf(u model.User) rankKey {
	return rankKey{id: u.ID, points: u.TotalInterviewPoints, streak: u.CurrentStreak}
}

// upsert places u at its current position.
func (ix *rankIndex) upsert(u model.User) {
	k := keyOf(u)
	if old, ok := ix.keys[u.ID]; ok {
		if old == k {
			return
		}
		ix.root = deleteNode(ix.root, old)
	}
	ix.root = insert(ix.root, k, rand.Uint64())
	ix.keys[u.ID] = k
}

// rank returns the 1-based position of id, or 0 if unknown.
func (ix *rankIndex) rank(id string) int {
	k, ok := ix.keys[id]
	if !ok {
		return 0
	}
	r := 0
	for n := ix.root; n != nil; {
		switch {
		case less(k, n.key):
			n = n.left
		case k == n.key:
			return r + nsize(n.left) + 1
		default:
			r += nsize(n.left) + 1
			n = n.right
		}
	}
	return 0
}

// top returns up to limit keys in rank order.
func (ix *rankIndex) top(limit int) []rankKey {
	if limit <= 0 || ix.root == nil {
		return nil
	}
	if limit > ix.root.size {
		limit = ix.root.size
	}
	out := make([]rankKey, 0, limit)
	collect(ix.root, limit, &out)
	return out
}

func (ix *rankIndex) len() int {
	return nsize(ix.root)
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less reports whether a ranks before b.
func less(a, b rankKey) bool {
	if a.points != b.points {
		return a.points > b.points
	}
	if a.streak != b.streak {
		return a.streak > b.streak
	}
	return a.id < b.id
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, k rankKey, prio uint64) *node {
	if n == nil {
		return &node{key: k, prio: prio, size: 1}
	}
	if less(k, n.key) {
		n.left = insert(n.left, k, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, k, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, k rankKey) *node {
	if n == nil {
		return nil
	}
	switch {
	case k == n.key:
		// Rotate the higher-priority child up until n is a leaf.
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, k)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, k)
		}
	case less(k, n.key):
		n.left = deleteNode(n.left, k)
	default:
		n.right = deleteNode(n.right, k)
	}
	fix(n)
	return n
}

func collect(n *node, limit int, out *[]rankKey) {
	if n == nil || len(*out) >= limit {
		return
	}
	collect(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, n.key)
	}
	collect(n.right, limit, out)
}
