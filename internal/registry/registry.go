package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ruleevents/internal/clock"
	"ruleevents/pkg/interfaces"
)

const (
	// DefaultKeepAliveInterval is the sweeper period.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultIdleThreshold is how long a client may go without a push before it gets a keep-alive.
	DefaultIdleThreshold = 25 * time.Second
)

// Observer receives registry events, typically a metrics collector.
type Observer interface {
	ClientsChanged(count int)
	Delivered(kind string, n int)
	PushFailed()
}

type nopObserver struct{}

func (nopObserver) ClientsChanged(int)    {}
func (nopObserver) Delivered(string, int) {}
func (nopObserver) PushFailed()           {}

// Registry tracks watching clients by id, by group and by classroom.
//
// Every client is in exactly one group bucket (its current groupID) and one classroom
// bucket. Index mutation happens under mu; stream writes and resolver calls do not.
type Registry struct {
	mu          sync.Mutex
	clients     map[string]*Client            // clientID -> Client
	byGroup     map[string]map[string]*Client // groupID -> clientID -> Client
	byClassroom map[string]map[string]*Client // classroomID -> clientID -> Client
	sweeper     clock.Timer                   // non-nil while at least one client is registered

	resolver          interfaces.ClassroomResolver
	clock             clock.Clock
	log               zerolog.Logger
	observer          Observer
	keepAliveInterval time.Duration
	idleThreshold     time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the clock driving keep-alives and activity timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = clock.OrReal(c) }
}

// WithLogger sets the registry logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithKeepAlive overrides the sweeper interval and idle threshold.
func WithKeepAlive(interval, idle time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.keepAliveInterval = interval
		}
		if idle > 0 {
			r.idleThreshold = idle
		}
	}
}

// New creates an empty registry. The resolver is used by PublishClassroomChanged.
func New(resolver interfaces.ClassroomResolver, opts ...Option) *Registry {
	r := &Registry{
		clients:           make(map[string]*Client),
		byGroup:           make(map[string]map[string]*Client),
		byClassroom:       make(map[string]map[string]*Client),
		resolver:          resolver,
		clock:             clock.New(),
		log:               zerolog.Nop(),
		observer:          nopObserver{},
		keepAliveInterval: DefaultKeepAliveInterval,
		idleThreshold:     DefaultIdleThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a watching client and returns its deregistration handle.
// The registry owns the stream from here on and closes it on removal.
// The keep-alive sweeper starts when the first client arrives.
func (r *Registry) Register(hostname, classroomID, groupID string, stream interfaces.Stream) (*Registration, error) {
	if stream == nil {
		return nil, ErrNilStream
	}
	if classroomID == "" {
		return nil, ErrMissingClassroom
	}
	if groupID == "" {
		return nil, ErrMissingGroup
	}

	c := &Client{
		id:          uuid.NewString(),
		hostname:    hostname,
		classroomID: classroomID,
		groupID:     groupID,
		stream:      stream,
	}
	c.touch(r.clock.Now())

	r.mu.Lock()
	r.clients[c.id] = c
	addToBucket(r.byGroup, groupID, c)
	addToBucket(r.byClassroom, classroomID, c)
	if len(r.clients) == 1 && r.sweeper == nil {
		r.sweeper = clock.Every(r.clock, r.keepAliveInterval, r.sweep)
	}
	count := len(r.clients)
	r.mu.Unlock()

	r.observer.ClientsChanged(count)
	r.log.Debug().
		Str("clientId", c.id).
		Str("hostname", hostname).
		Str("classroomId", classroomID).
		Str("groupId", groupID).
		Int("clients", count).
		Msg("client registered")

	id := c.id
	return &Registration{ID: id, deregister: func() { r.Deregister(id) }}, nil
}

// Deregister removes a client from every index and closes its stream.
// It reports whether the client was registered; repeated calls are no-ops.
// The sweeper stops when the last client leaves.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.clients, id)
	removeFromBucket(r.byGroup, c.groupID, id)
	removeFromBucket(r.byClassroom, c.classroomID, id)
	var sweeper clock.Timer
	if len(r.clients) == 0 {
		sweeper = r.sweeper
		r.sweeper = nil
	}
	count := len(r.clients)
	r.mu.Unlock()

	if sweeper != nil {
		sweeper.Stop()
	}
	if err := c.stream.Close(); err != nil {
		r.log.Debug().Err(err).Str("clientId", id).Msg("stream close failed")
	}

	r.observer.ClientsChanged(count)
	r.log.Debug().Str("clientId", id).Int("clients", count).Msg("client deregistered")
	return true
}

// ConnectedCount returns the number of registered clients.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Stats summarises index sizes. Memberships always equal Clients.
type Stats struct {
	Clients              int  `json:"clients"`
	GroupBuckets         int  `json:"groups"`
	ClassroomBuckets     int  `json:"classrooms"`
	GroupMemberships     int  `json:"-"`
	ClassroomMemberships int  `json:"-"`
	SweeperRunning       bool `json:"sweeperRunning"`
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Clients:          len(r.clients),
		GroupBuckets:     len(r.byGroup),
		ClassroomBuckets: len(r.byClassroom),
		SweeperRunning:   r.sweeper != nil,
	}
	for _, bucket := range r.byGroup {
		s.GroupMemberships += len(bucket)
	}
	for _, bucket := range r.byClassroom {
		s.ClassroomMemberships += len(bucket)
	}
	return s
}

// Lookup returns a copy of a registered client.
func (r *Registry) Lookup(id string) (ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return ClientInfo{}, false
	}
	return r.infoLocked(c), true
}

// GroupMembers returns the ids of clients indexed under groupID.
func (r *Registry) GroupMembers(groupID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bucketIDs(r.byGroup[groupID])
}

// ClassroomMembers returns the ids of clients indexed under classroomID.
func (r *Registry) ClassroomMembers(classroomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bucketIDs(r.byClassroom[classroomID])
}

// Close deregisters every client and stops the sweeper. Used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*Client)
	r.byGroup = make(map[string]map[string]*Client)
	r.byClassroom = make(map[string]map[string]*Client)
	sweeper := r.sweeper
	r.sweeper = nil
	r.mu.Unlock()

	if sweeper != nil {
		sweeper.Stop()
	}
	for _, c := range clients {
		_ = c.stream.Close()
	}
	r.observer.ClientsChanged(0)
	if len(clients) > 0 {
		r.log.Info().Int("clients", len(clients)).Msg("registry closed")
	}
}

func (r *Registry) infoLocked(c *Client) ClientInfo {
	return ClientInfo{
		ID:             c.id,
		Hostname:       c.hostname,
		ClassroomID:    c.classroomID,
		GroupID:        c.groupID,
		LastActivityAt: c.lastActivityAt(),
	}
}

// moveGroupLocked re-indexes c under groupID and updates its field in one step.
func (r *Registry) moveGroupLocked(c *Client, groupID string) {
	removeFromBucket(r.byGroup, c.groupID, c.id)
	c.groupID = groupID
	addToBucket(r.byGroup, groupID, c)
}

func addToBucket(index map[string]map[string]*Client, key string, c *Client) {
	bucket, ok := index[key]
	if !ok {
		bucket = make(map[string]*Client)
		index[key] = bucket
	}
	bucket[c.id] = c
}

// removeFromBucket deletes id from index[key] and drops the bucket when it empties.
func removeFromBucket(index map[string]map[string]*Client, key, id string) {
	bucket, ok := index[key]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(index, key)
	}
}

func bucketIDs(bucket map[string]*Client) []string {
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	return ids
}
