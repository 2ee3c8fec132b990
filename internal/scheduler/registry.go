package scheduler

import (
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// defaultAliveWindow is how fresh a heartbeat must be for a runner to count
// as alive.
const defaultAliveWindow = 2 * time.Minute

// RunnerStatus is one scheduler's health as reported by the control plane.
type RunnerStatus struct {
	RunnerID      string    `json:"runner_id"`
	Namespace     string    `json:"namespace"`
	Status        string    `json:"status"` // "idle" or "running"
	IsAlive       bool      `json:"is_alive"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	InFlight      int       `json:"in_flight"`
}

type runnerEntry struct {
	namespace string
	status    string
	inFlight  int
	beatAt    time.Time
}

// Registry tracks scheduler liveness. Entries expire on their own after
// twice the alive window, so dead runners eventually disappear from
// listings instead of lingering forever.
type Registry struct {
	window time.Duration
	cache  *gocache.Cache
}

// NewRegistry returns a registry with the given alive window; zero uses the
// default of two minutes.
func NewRegistry(window time.Duration) *Registry {
	if window <= 0 {
		window = defaultAliveWindow
	}
	return &Registry{
		window: window,
		cache:  gocache.New(2*window, window),
	}
}

// Beat records a heartbeat for the runner.
func (r *Registry) Beat(runnerID, namespace, status string, inFlight int) {
	r.cache.Set(runnerID, runnerEntry{
		namespace: namespace,
		status:    status,
		inFlight:  inFlight,
		beatAt:    time.Now(),
	}, gocache.DefaultExpiration)
}

// List returns known runners, optionally filtered by namespace.
func (r *Registry) List(namespace string) []RunnerStatus {
	items := r.cache.Items()
	runners := make([]RunnerStatus, 0, len(items))
	for id, item := range items {
		entry, ok := item.Object.(runnerEntry)
		if !ok {
			continue
		}
		if namespace != "" && entry.namespace != namespace {
			continue
		}
		runners = append(runners, RunnerStatus{
			RunnerID:      id,
			Namespace:     entry.namespace,
			Status:        entry.status,
			IsAlive:       time.Since(entry.beatAt) < r.window,
			LastHeartbeat: entry.beatAt,
			InFlight:      entry.inFlight,
		})
	}
	sort.Slice(runners, func(i, j int) bool { return runners[i].RunnerID < runners[j].RunnerID })
	return runners
}
