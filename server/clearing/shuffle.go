// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package clearing

import (
	"math/rand"
	"sort"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/encode"
	"github.com/batchex/batchex/bex/order"
)

// CombineSecrets XORs the revealed secrets into the batch shuffle seed. XOR is
// commutative and associative, so the seed is independent of reveal arrival
// order, yet removing or altering any single secret changes it. No participant
// can predict the seed before the final reveal lands, and anyone can reproduce
// it afterward from public reveal data.
func CombineSecrets(orders []*order.Order) (seed [order.SecretSize]byte) {
	for _, ord := range orders {
		for i := range seed {
			seed[i] ^= ord.Secret[i]
		}
	}
	return
}

// hashSource is a math/rand source that draws uint64s from blake256 run in
// counter mode over a 32-byte seed. Unlike a single-word seeded source, it
// consumes the full combined-secret entropy.
type hashSource struct {
	seed [order.SecretSize]byte
	ctr  uint64
}

var _ rand.Source64 = (*hashSource)(nil)

func newHashSource(seed [order.SecretSize]byte) *hashSource {
	return &hashSource{seed: seed}
}

func (s *hashSource) Uint64() uint64 {
	b := make([]byte, order.SecretSize+8)
	copy(b, s.seed[:])
	copy(b[order.SecretSize:], encode.Uint64Bytes(s.ctr))
	s.ctr++
	h := order.HashFunc(b)
	return encode.BytesToUint64(h[:8])
}

func (s *hashSource) Int63() int64 {
	return int64(s.Uint64() >> 1)
}

func (s *hashSource) Seed(int64) {
	// The source is seeded at construction from the combined secrets.
	panic("hashSource: reseeding not supported")
}

// pairSeed binds the batch seed to one market so that each pair in a batch
// gets an independent permutation.
func pairSeed(seed [order.SecretSize]byte, pair bex.Pair) (ps [order.SecretSize]byte) {
	b := make([]byte, order.SecretSize+8)
	copy(b, seed[:])
	copy(b[order.SecretSize:], encode.Uint32Bytes(pair.Base))
	copy(b[order.SecretSize+4:], encode.Uint32Bytes(pair.Quote))
	return order.HashFunc(b)
}

// shuffleOrders deterministically permutes the orders with a Fisher-Yates
// shuffle driven by the seeded hash source. The orders are first sorted into
// the canonical by-ID ordering so the result depends only on the set of
// orders, never on the caller's slice ordering.
func shuffleOrders(seed [order.SecretSize]byte, pair bex.Pair, orders []*order.Order) {
	if len(orders) < 2 {
		return
	}
	order.SortByID(orders)
	prng := rand.New(newHashSource(pairSeed(seed, pair)))
	n := len(orders)
	for i := range orders {
		j := prng.Intn(n-i) + i
		orders[i], orders[j] = orders[j], orders[i]
	}
}

// prioritySort stable-sorts the already shuffled orders by descending priority
// weight. Orders of equal priority keep their shuffled relative order, so with
// priority disabled or uniform the permutation is untouched. Priority is an
// execution-order tie-break only; it never feeds the price computation.
func prioritySort(orders []*order.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Details.Priority > orders[j].Details.Priority
	})
}
