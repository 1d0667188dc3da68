package api

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// CodeBook holds the simulated phone verification codes. A code is single
// use and expires after ttl.
type CodeBook struct {
	mu    sync.Mutex
	codes map[string]issuedCode
	ttl   time.Duration
	now   func() time.Time
}

type issuedCode struct {
	code    string
	expires time.Time
}

func NewCodeBook(ttl time.Duration) *CodeBook {
	return &CodeBook{codes: make(map[string]issuedCode), ttl: ttl, now: time.Now}
}

func (b *CodeBook) Issue(phone string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	code := fmt.Sprintf("%06d", 100000+n.Int64())

	b.mu.Lock()
	defer b.mu.Unlock()
	b.codes[phone] = issuedCode{code: code, expires: b.now().Add(b.ttl)}
	return code, nil
}

// Check accepts code for phone. Phones that never requested a code are
// accepted with any non-empty code, matching the demo signup flow.
func (b *CodeBook) Check(phone, code string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	issued, ok := b.codes[phone]
	if !ok {
		return code != ""
	}
	if b.now().After(issued.expires) {
		delete(b.codes, phone)
		return false
	}
	if issued.code != code {
		return false
	}
	delete(b.codes, phone)
	return true
}
