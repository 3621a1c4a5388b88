package gasbudget

import (
	"fmt"
	"sync"
	"time"

	"aa-relay/go-backend/pkg/models"
)

// PolicyRejection is raised when a reservation would exceed a configured cap.
// No network call has been made when this error surfaces.
type PolicyRejection struct {
	Reason string
	Detail string
}

func (e *PolicyRejection) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

type dayBucket struct {
	day  string // UTC calendar date, resets implicitly on rollover
	used uint64
}

// Enforcer is the executor-side gas ledger. All caps are denominated in gas
// units; a zero cap disables that check. Reservation creation and commit share
// one mutex; the critical sections are O(1) arithmetic, never I/O.
type Enforcer struct {
	mu             sync.Mutex
	perTxCap       uint64
	orgDailyCap    uint64
	globalDailyCap uint64

	orgs   map[string]*dayBucket
	global dayBucket

	now func() time.Time // test hook
}

func NewEnforcer(perTxCap, orgDailyCap, globalDailyCap uint64) *Enforcer {
	return &Enforcer{
		perTxCap:       perTxCap,
		orgDailyCap:    orgDailyCap,
		globalDailyCap: globalDailyCap,
		orgs:           make(map[string]*dayBucket),
		now:            time.Now,
	}
}

// Reservation is a pending charge against the ledger. Every reservation handed
// to a caller must be resolved exactly once: Commit on success, Cancel on any
// failure. An unresolved reservation is a budget leak.
type Reservation struct {
	enforcer *Enforcer
	orgKey   string
	gas      uint64
	day      string
	resolved bool
	mu       sync.Mutex
}

// Reserve checks the per-transaction, per-organization-daily and global-daily
// caps in that order; the first violated cap determines the rejection reason.
// The ledger itself is not mutated until Commit.
func (e *Enforcer) Reserve(orgKey string, gas uint64) (*Reservation, error) {
	if orgKey == "" {
		orgKey = models.OrgPlaceholder
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	day := e.today()
	if e.perTxCap > 0 && gas > e.perTxCap {
		return nil, &PolicyRejection{
			Reason: models.ReasonExecutorPolicy,
			Detail: fmt.Sprintf("gas %d exceeds per-transaction cap %d", gas, e.perTxCap),
		}
	}
	if e.orgDailyCap > 0 {
		if used := e.orgUsedLocked(orgKey, day); used+gas > e.orgDailyCap {
			return nil, &PolicyRejection{
				Reason: models.ReasonExecutorPolicy,
				Detail: fmt.Sprintf("org %s daily gas %d + %d exceeds cap %d", orgKey, used, gas, e.orgDailyCap),
			}
		}
	}
	if e.globalDailyCap > 0 {
		if used := e.globalUsedLocked(day); used+gas > e.globalDailyCap {
			return nil, &PolicyRejection{
				Reason: models.ReasonExecutorPolicy,
				Detail: fmt.Sprintf("global daily gas %d + %d exceeds cap %d", used, gas, e.globalDailyCap),
			}
		}
	}

	return &Reservation{enforcer: e, orgKey: orgKey, gas: gas, day: day}, nil
}

// Commit applies the reserved gas to the org and global buckets for the day
// captured at reservation time, so a commit racing a midnight rollover charges
// the day the check ran against. Idempotent.
func (r *Reservation) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.resolved = true

	e := r.enforcer
	e.mu.Lock()
	defer e.mu.Unlock()

	org, ok := e.orgs[r.orgKey]
	if !ok || org.day != r.day {
		org = &dayBucket{day: r.day}
		e.orgs[r.orgKey] = org
	}
	org.used += r.gas

	if e.global.day != r.day {
		e.global = dayBucket{day: r.day}
	}
	e.global.used += r.gas
}

// Cancel releases the reservation. The ledger was never mutated, so this only
// marks the reservation resolved. Idempotent.
func (r *Reservation) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = true
}

// Resolved reports whether the reservation has been committed or cancelled.
func (r *Reservation) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

func (e *Enforcer) orgUsedLocked(orgKey, day string) uint64 {
	if b, ok := e.orgs[orgKey]; ok && b.day == day {
		return b.used
	}
	return 0
}

func (e *Enforcer) globalUsedLocked(day string) uint64 {
	if e.global.day == day {
		return e.global.used
	}
	return 0
}

func (e *Enforcer) today() string {
	return e.now().UTC().Format("2006-01-02")
}
