package impl

import "sync"

// TenantLocks hands out one mutex per tenant. Ingestion, deletion and
// index rebuilds share a registry so those operations serialize within
// a tenant while different tenants proceed in parallel.
type TenantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTenantLocks() *TenantLocks {
	return &TenantLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *TenantLocks) Get(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[tenantID] = lock
	}
	return lock
}
