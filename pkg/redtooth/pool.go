package redtooth

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// connectionRecord tracks desired vs. last-known link state for one address.
// lastKnownConnected is optimistic: it is a fast-reject cache, never trusted
// on its own for anything that tears state down.
type connectionRecord struct {
	addr               DeviceAddress
	desired            bool
	lastKnownConnected bool
}

// ConnectionPool reconciles an internal cache of device link state against
// the ground truth reported by the OS radio stack. At most one record exists
// per address.
type ConnectionPool struct {
	logger  *zap.SugaredLogger
	profile ProfileClient

	lock    sync.Mutex
	records map[DeviceAddress]*connectionRecord
}

func newConnectionPool(logger *zap.SugaredLogger, profile ProfileClient) *ConnectionPool {
	p := &ConnectionPool{
		logger:  logger.Named("pool"),
		profile: profile,
		records: make(map[DeviceAddress]*connectionRecord),
	}

	p.logger.Debug("Created connection pool instance")

	return p
}

// Connect brings the audio-sink profile up on the device and marks the
// address desired. Idempotent: when the OS already reports the link up, the
// profile-enable primitive is not re-issued. Exactly one OS reconciliation
// happens per call.
func (p *ConnectionPool) Connect(addr DeviceAddress) error {
	p.lock.Lock()
	rec, ok := p.records[addr]
	if !ok {
		rec = &connectionRecord{addr: addr}
		p.records[addr] = rec
	}
	rec.desired = true
	p.lock.Unlock()

	// reconcile outside the lock; the OS query can be slow and must not
	// block unrelated pool operations
	up, err := p.profile.LinkUp(addr)
	if err != nil {
		p.logger.Debugw("Link query failed, treating device as down", "address", addr, "error", err)
		up = false
	}

	if up {
		p.setLastKnown(addr, true)
		p.logger.Debugw("Device already connected, skipping profile enable", "address", addr)
		return nil
	}

	if err := p.profile.EnableAudioSink(addr); err != nil {
		p.setLastKnown(addr, false)
		p.logger.Warnw("Failed to enable audio sink profile", "address", addr, "error", err)
		return fmt.Errorf("enable audio sink for %s: %w", addr, ErrConnectionFailed)
	}

	p.setLastKnown(addr, true)
	p.logger.Infow("Device connected", "address", addr)

	return nil
}

// Disconnect always issues the profile-disable call, whatever the cache
// believes, so a stale "connected" belief can never leak a live link. On
// success the record is removed, which also ends watchdog supervision.
func (p *ConnectionPool) Disconnect(addr DeviceAddress) error {
	if err := p.profile.DisableAudioSink(addr); err != nil {
		p.logger.Warnw("Failed to disable audio sink profile", "address", addr, "error", err)
		return fmt.Errorf("disable audio sink for %s: %w", addr, ErrOperationFailed)
	}

	p.lock.Lock()
	delete(p.records, addr)
	p.lock.Unlock()

	p.logger.Infow("Device disconnected", "address", addr)

	return nil
}

// IsConnected is a two-phase check: no record means false immediately, an
// unmanaged address is never "connected" no matter what the OS says. A record
// means the cache is reconciled against a direct OS query, and the OS's
// answer wins. This is what lets the watchdog tell "up and really up" from
// "up in the cache but silently dropped".
func (p *ConnectionPool) IsConnected(addr DeviceAddress) bool {
	p.lock.Lock()
	_, ok := p.records[addr]
	p.lock.Unlock()

	if !ok {
		return false
	}

	up, err := p.profile.LinkUp(addr)
	if err != nil {
		p.logger.Debugw("Link query failed during reconciliation", "address", addr, "error", err)
		up = false
	}

	p.setLastKnown(addr, up)

	return up
}

// DesiredAddresses snapshots the addresses under management.
func (p *ConnectionPool) DesiredAddresses() []DeviceAddress {
	p.lock.Lock()
	defer p.lock.Unlock()

	addrs := make([]DeviceAddress, 0, len(p.records))
	for addr, rec := range p.records {
		if rec.desired {
			addrs = append(addrs, addr)
		}
	}

	return addrs
}

// cachedConnected reports the optimistic cache without touching the OS.
// Good enough for display surfaces; never used for teardown decisions.
func (p *ConnectionPool) cachedConnected(addr DeviceAddress) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	rec, ok := p.records[addr]

	return ok && rec.lastKnownConnected
}

func (p *ConnectionPool) setLastKnown(addr DeviceAddress, up bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	// the record may have been disconnected away while we were off querying
	if rec, ok := p.records[addr]; ok {
		rec.lastKnownConnected = up
	}
}

// release disconnects every managed device. Only called after the watchdog
// has fully stopped.
func (p *ConnectionPool) release() {
	p.lock.Lock()
	addrs := make([]DeviceAddress, 0, len(p.records))
	for addr := range p.records {
		addrs = append(addrs, addr)
	}
	p.lock.Unlock()

	for _, addr := range addrs {
		if err := p.Disconnect(addr); err != nil {
			p.logger.Warnw("Failed to disconnect device during release", "address", addr, "error", err)
		}
	}

	p.logger.Debug("Connection pool released")
}

func (p *ConnectionPool) String() string {
	p.lock.Lock()
	defer p.lock.Unlock()

	return fmt.Sprintf("<%d managed connections>", len(p.records))
}
