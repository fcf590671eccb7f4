package dispatcher

import (
	"sync"
	"time"
)

// Drop reasons.
const (
	ReasonDuplicate     = "duplicate"
	ReasonDuplicateMint = "duplicate_mint"
	ReasonAtCapacity    = "at_capacity"
	ReasonTxFailed      = "tx_failed"
	ReasonTxNotFound    = "tx_not_found"
	ReasonNoMint        = "no_mint"
	ReasonFetchError    = "fetch_error"
	ReasonPolicyError   = "policy_error"
	ReasonRejected      = "rejected"
)

// WalletActivity counts detected events for one wallet.
type WalletActivity struct {
	Events   int       `json:"events"`
	LastSeen time.Time `json:"last_seen"`
	LastMint string    `json:"last_mint,omitempty"`
}

// Snapshot is a point-in-time copy of dispatcher counters.
type Snapshot struct {
	Received   map[string]int            `json:"received"`
	Dropped    map[string]int            `json:"dropped"`
	Rejections map[string]int            `json:"rejections"`
	Executed   int                       `json:"executed"`
	Succeeded  int                       `json:"succeeded"`
	Failed     int                       `json:"failed"`
	InFlight   int                       `json:"in_flight"`
	Seen       int                       `json:"seen"`
	Wallets    map[string]WalletActivity `json:"wallets"`
}

// Stats holds counters owned by one dispatcher instance.
type Stats struct {
	mu         sync.Mutex
	received   map[string]int
	dropped    map[string]int
	rejections map[string]int
	executed   int
	succeeded  int
	failed     int
	wallets    map[string]*WalletActivity
}

func newStats() *Stats {
	return &Stats{
		received:   make(map[string]int),
		dropped:    make(map[string]int),
		rejections: make(map[string]int),
		wallets:    make(map[string]*WalletActivity),
	}
}

func (s *Stats) recordReceived(kind string) {
	s.mu.Lock()
	s.received[kind]++
	s.mu.Unlock()
}

func (s *Stats) recordDropped(reason string) {
	s.mu.Lock()
	s.dropped[reason]++
	s.mu.Unlock()
}

func (s *Stats) recordRejection(check string) {
	s.mu.Lock()
	s.rejections[check]++
	s.mu.Unlock()
}

func (s *Stats) recordExecution(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed++
	if success {
		s.succeeded++
	} else {
		s.failed++
	}
}

func (s *Stats) recordWallet(wallet, mint string, at time.Time) {
	if wallet == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[wallet]
	if !ok {
		w = &WalletActivity{}
		s.wallets[wallet] = w
	}
	w.Events++
	w.LastSeen = at
	if mint != "" {
		w.LastMint = mint
	}
}

func (s *Stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Received:   copyCounts(s.received),
		Dropped:    copyCounts(s.dropped),
		Rejections: copyCounts(s.rejections),
		Executed:   s.executed,
		Succeeded:  s.succeeded,
		Failed:     s.failed,
		Wallets:    make(map[string]WalletActivity, len(s.wallets)),
	}
	for k, v := range s.wallets {
		snap.Wallets[k] = *v
	}
	return snap
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
