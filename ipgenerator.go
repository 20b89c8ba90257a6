package netrepeater

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"math/big"
	"net/netip"

	"github.com/sirupsen/logrus"
)

// DefaultGenerateMaxRetries is the number of rehash attempts made by
// GenerateByName before giving up with ErrExhaustedIPSpace.
const DefaultGenerateMaxRetries = 100

// IsTakenFunc reports whether a candidate address is already in use. It is
// supplied by the caller so the generator stays free of cache dependencies.
type IsTakenFunc func(netip.Addr) bool

// nameDigest produces the hash chain used to derive addresses from a name.
// The first digest covers the name itself, every following digest extends
// the running hash with the previous digest.
type nameDigest struct {
	h      hash.Hash
	digest []byte
}

func newNameDigest(name string) *nameDigest {
	h := sha256.New()
	h.Write([]byte(name))
	return &nameDigest{h: h, digest: h.Sum(nil)}
}

func (d *nameDigest) Int() *big.Int {
	return new(big.Int).SetBytes(d.digest)
}

func (d *nameDigest) Next() {
	d.h.Write(d.digest)
	d.digest = d.h.Sum(nil)
}

// RandIPGenerator deterministically derives addresses inside a subnet from
// hostnames. The same name on the same subnet always yields the same address
// chain, which keeps allocations stable across restarts.
type RandIPGenerator struct {
	subnet     netip.Prefix
	suffixBits int
	netInt     *big.Int
	hostMask   *big.Int
	addrLen    int
}

// NewRandIPGenerator returns a generator bound to the given subnet.
func NewRandIPGenerator(subnet netip.Prefix) *RandIPGenerator {
	subnet = subnet.Masked()
	addrLen := 4
	addrBits := 32
	if subnet.Addr().Is6() {
		addrLen = 16
		addrBits = 128
	}
	suffixBits := addrBits - subnet.Bits()

	netBytes := subnet.Addr().AsSlice()
	hostMask := new(big.Int).Lsh(big.NewInt(1), uint(suffixBits))
	hostMask.Sub(hostMask, big.NewInt(1))

	return &RandIPGenerator{
		subnet:     subnet,
		suffixBits: suffixBits,
		netInt:     new(big.Int).SetBytes(netBytes),
		hostMask:   hostMask,
		addrLen:    addrLen,
	}
}

// generateFromInt builds an address by masking the given integer with the
// subnet's host mask and merging it with the network address.
func (g *RandIPGenerator) generateFromInt(num *big.Int) (netip.Addr, error) {
	if num.BitLen() < g.suffixBits {
		return netip.Addr{}, fmt.Errorf("%w: need %d bits, received %d bits",
			ErrInsufficientEntropy, g.suffixBits, num.BitLen())
	}

	host := new(big.Int).And(num, g.hostMask)
	host.Or(host, g.netInt)

	b := host.FillBytes(make([]byte, g.addrLen))
	addr, ok := netip.AddrFromSlice(b)
	if !ok {
		return netip.Addr{}, fmt.Errorf("failed to build address from %d bytes", len(b))
	}

	// A result outside the subnet means the masking above is broken.
	if !g.subnet.Contains(addr) {
		return netip.Addr{}, fmt.Errorf("generated address %s outside subnet %s", addr, g.subnet)
	}
	return addr, nil
}

// GenerateByName derives an address for the given name. Collisions reported
// by isTaken are resolved by advancing the hash chain, up to maxRetries
// times. A maxRetries of 0 uses DefaultGenerateMaxRetries.
func (g *RandIPGenerator) GenerateByName(name string, isTaken IsTakenFunc, maxRetries int) (netip.Addr, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultGenerateMaxRetries
	}
	if isTaken == nil {
		isTaken = func(netip.Addr) bool { return false }
	}

	digest := newNameDigest(name)
	for i := 0; i < maxRetries; i++ {
		addr, err := g.generateFromInt(digest.Int())
		if err != nil {
			return netip.Addr{}, err
		}
		if !isTaken(addr) {
			return addr, nil
		}
		Log.WithFields(logrus.Fields{
			"name":      name,
			"candidate": addr,
		}).Debug("candidate address taken, rehashing")
		digest.Next()
	}
	return netip.Addr{}, fmt.Errorf("%w: no unique address for %q after %d attempts",
		ErrExhaustedIPSpace, name, maxRetries)
}

// Subnet returns the subnet the generator draws addresses from.
func (g *RandIPGenerator) Subnet() netip.Prefix {
	return g.subnet
}
