package kms

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
)

// checkTagSize is the length of the integrity tag appended to a secret before
// splitting. Reconstruction from too few or mixed shares yields a payload
// whose tag does not match.
const checkTagSize = 8

// MaxShares is the largest share count a split supports.
const MaxShares = 255

// SplitSecret splits secret into n shares, any k of which reconstruct it.
// With k == 1 every share carries the tagged secret itself.
func SplitSecret(secret []byte, n, k int) ([]interfaces.SecretShare, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", interfaces.ErrValidation)
	}
	if k < 1 || n < k || n > MaxShares {
		return nil, fmt.Errorf("%w: cannot split into %d shares with threshold %d", interfaces.ErrValidation, n, k)
	}

	payload := tagSecret(secret)
	defer cryptoutils.Wipe(payload)

	shares := make([]interfaces.SecretShare, 0, n)
	if k == 1 {
		for i := 1; i <= n; i++ {
			shares = append(shares, interfaces.SecretShare{X: i, Y: bytes.Clone(payload)})
		}
		return shares, nil
	}

	parts, err := shamir.Split(payload, n, k)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	for _, part := range parts {
		shares = append(shares, interfaces.SecretShare{
			X: int(part[len(part)-1]),
			Y: part[:len(part)-1],
		})
	}
	return shares, nil
}

// ReconstructSecret combines shares into the original secret. It fails with
// ErrCrypto when the shares are fewer than the split threshold or do not
// belong to the same split.
func ReconstructSecret(shares []interfaces.SecretShare) ([]byte, error) {
	if len(shares) == 0 {
		return nil, &interfaces.CryptoError{Op: "reconstruct", Err: errors.New("no shares")}
	}
	if err := validateShares(shares); err != nil {
		return nil, err
	}

	var payload []byte
	if len(shares) == 1 {
		payload = bytes.Clone(shares[0].Y)
	} else {
		parts := make([][]byte, 0, len(shares))
		for _, s := range shares {
			part := make([]byte, 0, len(s.Y)+1)
			part = append(part, s.Y...)
			parts = append(parts, append(part, byte(s.X)))
		}
		combined, err := shamir.Combine(parts)
		for _, part := range parts {
			cryptoutils.Wipe(part)
		}
		if err != nil {
			return nil, &interfaces.CryptoError{Op: "reconstruct", Held: len(shares), Err: err}
		}
		payload = combined
	}

	secret, ok := untagSecret(payload)
	cryptoutils.Wipe(payload)
	if !ok {
		return nil, &interfaces.CryptoError{Op: "reconstruct", Held: len(shares), Err: errors.New("shares do not reconstruct a valid secret")}
	}
	return secret, nil
}

func validateShares(shares []interfaces.SecretShare) error {
	seen := make(map[int]struct{}, len(shares))
	for _, s := range shares {
		if err := ValidateShare(s); err != nil {
			return err
		}
		if _, dup := seen[s.X]; dup {
			return fmt.Errorf("%w: duplicate share x=%d", interfaces.ErrValidation, s.X)
		}
		seen[s.X] = struct{}{}
	}
	return nil
}

// ValidateShare checks that a share has an evaluation point and share bytes.
func ValidateShare(s interfaces.SecretShare) error {
	if s.X < 1 || s.X > MaxShares {
		return fmt.Errorf("%w: x must be in [1, %d]", interfaces.ErrInvalidShareFormat, MaxShares)
	}
	if len(s.Y) == 0 {
		return fmt.Errorf("%w: missing y", interfaces.ErrInvalidShareFormat)
	}
	return nil
}

func tagSecret(secret []byte) []byte {
	tag := checkTag(secret)
	payload := make([]byte, 0, len(secret)+checkTagSize)
	payload = append(payload, secret...)
	return append(payload, tag...)
}

func untagSecret(payload []byte) ([]byte, bool) {
	if len(payload) <= checkTagSize {
		return nil, false
	}
	secret := payload[:len(payload)-checkTagSize]
	if !bytes.Equal(checkTag(secret), payload[len(payload)-checkTagSize:]) {
		return nil, false
	}
	return bytes.Clone(secret), true
}

func checkTag(secret []byte) []byte {
	h := sha256.New()
	h.Write([]byte("kek-custody share check"))
	h.Write(secret)
	return h.Sum(nil)[:checkTagSize]
}

// ShareCollector accumulates shares until a threshold is reached. Shares are
// keyed by evaluation point; the first share seen for an x is kept and later ones are refused.
type ShareCollector struct {
	mu             sync.Mutex
	threshold      int
	receivedShares map[int][]byte
}

// NewShareCollector creates a collector for the given threshold.
func NewShareCollector(threshold int) *ShareCollector {
	return &ShareCollector{
		threshold:      threshold,
		receivedShares: make(map[int][]byte),
	}
}

// Add stores a share. A share whose x is already held is refused with
// ErrDuplicateShare, whatever its y, and the held one is kept.
func (c *ShareCollector) Add(s interfaces.SecretShare) error {
	if err := ValidateShare(s); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.receivedShares[s.X]; ok {
		return fmt.Errorf("%w: x=%d", interfaces.ErrDuplicateShare, s.X)
	}
	c.receivedShares[s.X] = bytes.Clone(s.Y)
	return nil
}

// Count returns the number of distinct shares held.
func (c *ShareCollector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.receivedShares)
}

// Threshold returns the number of shares needed.
func (c *ShareCollector) Threshold() int {
	return c.threshold
}

// Ready reports whether the threshold has been reached.
func (c *ShareCollector) Ready() bool {
	return c.Count() >= c.threshold
}

// Xs returns the evaluation points held, in ascending order.
func (c *ShareCollector) Xs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	xs := make([]int, 0, len(c.receivedShares))
	for x := range c.receivedShares {
		xs = append(xs, x)
	}
	sort.Ints(xs)
	return xs
}

// Shares returns copies of the held shares ordered by x.
func (c *ShareCollector) Shares() []interfaces.SecretShare {
	c.mu.Lock()
	defer c.mu.Unlock()

	shares := make([]interfaces.SecretShare, 0, len(c.receivedShares))
	for x, y := range c.receivedShares {
		shares = append(shares, interfaces.SecretShare{X: x, Y: bytes.Clone(y)})
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].X < shares[j].X })
	return shares
}

// Reconstruct combines the held shares once the threshold is met. A failure
// reports the held and required counts and leaves the shares in place.
func (c *ShareCollector) Reconstruct() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := len(c.receivedShares)
	if held < c.threshold {
		return nil, &interfaces.CryptoError{Op: "reconstruct", Held: held, Required: c.threshold, Err: errors.New("not enough shares")}
	}

	shares := make([]interfaces.SecretShare, 0, held)
	for x, y := range c.receivedShares {
		shares = append(shares, interfaces.SecretShare{X: x, Y: y})
	}
	secret, err := ReconstructSecret(shares)
	if err != nil {
		var cerr *interfaces.CryptoError
		if errors.As(err, &cerr) {
			cerr.Required = c.threshold
		}
		return nil, err
	}
	return secret, nil
}

// Wipe zeroes and forgets every held share.
func (c *ShareCollector) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for x := range c.receivedShares {
		cryptoutils.Wipe(c.receivedShares[x])
	}
	c.receivedShares = make(map[int][]byte)
}
