// Package lifecycle owns the object references of every preview generation
// and sequences their revocation.
//
// A generation's references move through Created -> InUse -> PendingRevoke
// -> Revoked. The outgoing generation becomes PendingRevoke as soon as a new
// one begins, but is only released once the new one reports load completion,
// so a slow load never breaks the visible preview. At most one generation is
// PendingRevoke and at most one is InUse at any time, and no generation is
// ever revoked twice.
//
// Invariants:
//   - every field is guarded by mu
//   - pending != current
//   - a revoked generation is never the current or the pending one
package lifecycle

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// State is the lifecycle state of a generation and its references.
type State int

const (
	StateCreated State = iota
	StateInUse
	StatePendingRevoke
	StateRevoked
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInUse:
		return "in_use"
	case StatePendingRevoke:
		return "pending_revoke"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state from its name.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateCreated, StateInUse, StatePendingRevoke, StateRevoked} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown generation state %q", text)
}

// ObjectReference is an ephemeral, revocable locator for one body of content.
type ObjectReference struct {
	ID         string `json:"id"`
	Generation string `json:"generation"`
	URL        string `json:"url"`
	MediaType  string `json:"mediaType"`
	Size       int    `json:"size"`
}

// Object is a live reference with its content.
type Object struct {
	Ref  ObjectReference
	Body []byte
	ETag string
}

// LookupStatus tells whether a reference id is live, revoked or unknown.
type LookupStatus int

const (
	LookupFound LookupStatus = iota
	LookupRevoked
	LookupUnknown
)

// ScrollOffset is a document scroll position in CSS pixels.
type ScrollOffset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Restore tells the host to reapply a scroll offset at each delay.
type Restore struct {
	Generation string          `json:"generation"`
	Offset     ScrollOffset    `json:"offset"`
	Delays     []time.Duration `json:"-"`
}

// GenerationInfo is a read-only view of a generation.
type GenerationInfo struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	Fingerprint string    `json:"fingerprint"`
	State       State     `json:"state"`
	References  int       `json:"references"`
	Document    string    `json:"document,omitempty"`
	Loaded      bool      `json:"loaded"`
	SurfaceLost bool      `json:"surfaceLost"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Options configures a Controller.
type Options struct {
	// BasePath prefixes reference ids to form their URL.
	BasePath string
	// RestoreDelays are the fixed retry delays for scroll restoration.
	RestoreDelays []time.Duration
	// LoadWarnAfter arms a watchdog once a generation is attached. Zero
	// disables it.
	LoadWarnAfter time.Duration
	// OnSurfaceFailure is called, without the lock held, when the watchdog
	// fires before the load signal.
	OnSurfaceFailure func(generation string)
	// RevokedMemory bounds how many revoked ids are remembered for 410
	// answers.
	RevokedMemory int
}

// DefaultRestoreDelays are used when Options.RestoreDelays is nil.
var DefaultRestoreDelays = []time.Duration{0, 50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond}

type generation struct {
	id          string
	seq         uint64
	fingerprint string
	state       State
	refs        []string
	document    string
	createdAt   time.Time

	restore        *ScrollOffset
	restoreApplied bool
	loaded         bool
	surfaceLost    bool
	watchdog       *time.Timer

	// rollback data for Abort
	prevCurrent      *generation
	prevCurrentState State
	prevPending      *generation
}

// Controller is the single owner of generations and object references.
type Controller struct {
	mu   sync.Mutex
	opts Options

	objects      map[string]*Object
	revoked      map[string]struct{}
	revokedOrder []string

	generations map[string]*generation
	current     *generation
	pending     *generation
	seq         uint64

	lastScroll *ScrollOffset

	created      int
	revokedTotal int
	closed       bool
}

// NewController creates a lifecycle controller.
func NewController(opts Options) *Controller {
	if opts.BasePath == "" {
		opts.BasePath = "/ref/"
	}
	if opts.RestoreDelays == nil {
		opts.RestoreDelays = DefaultRestoreDelays
	}
	if opts.RevokedMemory <= 0 {
		opts.RevokedMemory = 4096
	}
	return &Controller{
		opts:        opts,
		objects:     make(map[string]*Object),
		revoked:     make(map[string]struct{}),
		generations: make(map[string]*generation),
	}
}

// Begin starts a new generation. The outgoing generation moves to
// PendingRevoke. If a generation is already pending, the outgoing one was
// never loaded: when it was never attached it is revoked on the spot,
// otherwise the older pending one is, since the surface already points away
// from it.
func (c *Controller) Begin(fingerprint string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", fmt.Errorf("lifecycle controller is closed")
	}

	c.seq++
	g := &generation{
		id:               uuid.NewString(),
		seq:              c.seq,
		fingerprint:      fingerprint,
		state:            StateCreated,
		createdAt:        time.Now(),
		prevCurrent:      c.current,
		prevPending:      c.pending,
		prevCurrentState: StateCreated,
	}
	if c.lastScroll != nil {
		offset := *c.lastScroll
		g.restore = &offset
	}

	if out := c.current; out != nil {
		g.prevCurrentState = out.state
		switch {
		case c.pending == nil:
			c.setState(out, StatePendingRevoke)
			c.pending = out
		case out.state == StateCreated:
			c.revokeLocked(out)
		default:
			c.revokeLocked(c.pending)
			c.setState(out, StatePendingRevoke)
			c.pending = out
		}
	}

	c.generations[g.id] = g
	c.current = g

	return g.id, nil
}

// Abort discards a generation whose assembly failed and puts back what was
// current before it began, as far as that is still alive.
func (c *Controller) Abort(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.generations[id]
	if !ok || g != c.current {
		return
	}
	// revokeLocked clears the back pointers.
	prevCurrent, prevCurrentState, prevPending := g.prevCurrent, g.prevCurrentState, g.prevPending
	c.revokeLocked(g)
	c.current, c.pending = nil, nil

	switch {
	case prevCurrent != nil && prevCurrent.state != StateRevoked:
		c.setState(prevCurrent, prevCurrentState)
		c.current = prevCurrent
		if p := prevPending; p != nil && p.state != StateRevoked && p != c.current {
			c.pending = p
		}
	case prevPending != nil && prevPending.state != StateRevoked:
		c.setState(prevPending, StateInUse)
		c.current = prevPending
	}
}

// Create registers a new reference for generation id.
func (c *Controller) Create(id string, body []byte, mediaType string) (ObjectReference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.generations[id]
	if !ok {
		return ObjectReference{}, fmt.Errorf("unknown generation %s", id)
	}
	if g.state == StateRevoked {
		return ObjectReference{}, fmt.Errorf("generation %s is revoked", id)
	}

	refID := uuid.NewString()
	sum := xxh3.Hash128(body).Bytes()
	obj := &Object{
		Ref: ObjectReference{
			ID:         refID,
			Generation: id,
			URL:        c.opts.BasePath + refID,
			MediaType:  mediaType,
			Size:       len(body),
		},
		Body: body,
		ETag: `"` + hex.EncodeToString(sum[:]) + `"`,
	}
	c.objects[refID] = obj
	g.refs = append(g.refs, refID)
	c.created++

	return obj.Ref, nil
}

// SetDocument marks ref as the document reference of generation id. The
// document is tracked apart from the entry references.
func (c *Controller) SetDocument(id string, ref ObjectReference) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.generations[id]
	if !ok || g.state == StateRevoked {
		return fmt.Errorf("generation %s is not active", id)
	}
	for i, r := range g.refs {
		if r == ref.ID {
			g.refs = append(g.refs[:i], g.refs[i+1:]...)
			break
		}
	}
	g.document = ref.ID
	return nil
}

// Creator returns a reference creator bound to generation id.
func (c *Controller) Creator(id string) *GenerationCreator {
	return &GenerationCreator{controller: c, generation: id}
}

// Attach records that the rendering surface now points at generation id.
func (c *Controller) Attach(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.generations[id]
	if !ok || g != c.current || g.state != StateCreated {
		return false
	}
	c.setState(g, StateInUse)

	if c.opts.LoadWarnAfter > 0 && !g.loaded {
		g.watchdog = time.AfterFunc(c.opts.LoadWarnAfter, func() { c.loadOverdue(id) })
	}
	return true
}

func (c *Controller) loadOverdue(id string) {
	c.mu.Lock()
	g, ok := c.generations[id]
	fire := ok && !g.loaded && g.state != StateRevoked && !g.surfaceLost
	if fire {
		g.surfaceLost = true
	}
	cb := c.opts.OnSurfaceFailure
	c.mu.Unlock()

	if fire && cb != nil {
		cb(id)
	}
}

// Loaded records the load-completion signal of generation id. The pending
// generation is revoked and, the first time only, the scroll restore
// instruction is returned.
func (c *Controller) Loaded(id string) (Restore, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.generations[id]
	if !ok || g != c.current {
		return Restore{}, false
	}

	g.loaded = true
	if g.watchdog != nil {
		g.watchdog.Stop()
		g.watchdog = nil
	}
	if g.state == StateCreated {
		c.setState(g, StateInUse)
	}
	if c.pending != nil {
		c.revokeLocked(c.pending)
		c.pending = nil
	}

	if g.restore == nil || g.restoreApplied || g.surfaceLost {
		return Restore{}, false
	}
	g.restoreApplied = true
	delays := append([]time.Duration(nil), c.opts.RestoreDelays...)
	return Restore{Generation: id, Offset: *g.restore, Delays: delays}, true
}

// ReportScroll records the scroll offset the surface reports for a visible
// generation. It is captured by the next Begin.
func (c *Controller) ReportScroll(id string, offset ScrollOffset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.generations[id]
	if !ok || g.state == StateRevoked || g.state == StateCreated {
		return
	}
	c.lastScroll = &offset
}

// Revoke releases a single reference. It returns false if the reference is
// unknown or already revoked.
func (c *Controller) Revoke(refID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revokeObjectLocked(refID)
}

// RevokeGeneration revokes every reference of generation id. Revoking a
// generation twice is a no-op that returns false.
func (c *Controller) RevokeGeneration(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.generations[id]
	if !ok || g.state == StateRevoked {
		return false
	}
	c.revokeLocked(g)
	if c.pending == g {
		c.pending = nil
	}
	if c.current == g {
		c.current = nil
	}
	return true
}

// Lookup returns a live reference by id.
func (c *Controller) Lookup(refID string) (*Object, LookupStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if obj, ok := c.objects[refID]; ok {
		return obj, LookupFound
	}
	if _, ok := c.revoked[refID]; ok {
		return nil, LookupRevoked
	}
	return nil, LookupUnknown
}

// List returns every generation that has not been revoked, oldest first.
func (c *Controller) List() []GenerationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]GenerationInfo, 0, len(c.generations))
	for _, g := range c.generations {
		out = append(out, c.infoLocked(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Generation returns information about one generation.
func (c *Controller) Generation(id string) (GenerationInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.generations[id]
	if !ok {
		return GenerationInfo{}, false
	}
	return c.infoLocked(g), true
}

// Current returns the newest live generation.
func (c *Controller) Current() (GenerationInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return GenerationInfo{}, false
	}
	return c.infoLocked(c.current), true
}

// Outstanding returns the number of live references, documents included.
func (c *Controller) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// Stats returns the total number of references created and revoked.
func (c *Controller) Stats() (created, revoked int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created, c.revokedTotal
}

// Close forcibly revokes every outstanding reference regardless of state.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, g := range c.generations {
		if g.state != StateRevoked {
			c.revokeLocked(g)
		}
	}
	for id := range c.objects {
		c.revokeObjectLocked(id)
	}
	c.current, c.pending = nil, nil
	c.closed = true
}

func (c *Controller) infoLocked(g *generation) GenerationInfo {
	info := GenerationInfo{
		ID:          g.id,
		Seq:         g.seq,
		Fingerprint: g.fingerprint,
		State:       g.state,
		References:  len(g.refs),
		Loaded:      g.loaded,
		SurfaceLost: g.surfaceLost,
		CreatedAt:   g.createdAt,
	}
	if g.document != "" {
		info.Document = c.opts.BasePath + g.document
	}
	return info
}

func (c *Controller) setState(g *generation, s State) {
	g.state = s
}

// revokeLocked revokes every reference of g exactly once.
func (c *Controller) revokeLocked(g *generation) {
	if g == nil || g.state == StateRevoked {
		return
	}
	if g.watchdog != nil {
		g.watchdog.Stop()
		g.watchdog = nil
	}
	for _, id := range g.refs {
		c.revokeObjectLocked(id)
	}
	if g.document != "" {
		c.revokeObjectLocked(g.document)
	}
	g.state = StateRevoked
	g.prevCurrent, g.prevPending = nil, nil
	delete(c.generations, g.id)
}

func (c *Controller) revokeObjectLocked(id string) bool {
	if _, ok := c.objects[id]; !ok {
		return false
	}
	delete(c.objects, id)
	c.revokedTotal++

	c.revoked[id] = struct{}{}
	c.revokedOrder = append(c.revokedOrder, id)
	if len(c.revokedOrder) > c.opts.RevokedMemory {
		oldest := c.revokedOrder[0]
		c.revokedOrder = c.revokedOrder[1:]
		delete(c.revoked, oldest)
	}
	return true
}

// GenerationCreator creates references for one generation.
type GenerationCreator struct {
	controller *Controller
	generation string
}

// Create registers a reference for the bound generation.
func (gc *GenerationCreator) Create(body []byte, mediaType string) (ObjectReference, error) {
	return gc.controller.Create(gc.generation, body, mediaType)
}
