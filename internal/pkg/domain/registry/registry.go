package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
)

//RegisteredNode binds a node id to the handle the server issued for it
type RegisteredNode struct {
	NodeID    string    `json:"nodeId"`
	Handle    string    `json:"registeredId"`
	CreatedAt time.Time `json:"createdAt"`
}

//UnregisterSummary reports what an unregistration cascaded into
type UnregisterSummary struct {
	TerminatedSubscriptionCount int `json:"terminatedSubscriptions"`
}

//Registrar is the part of the session manager the registry needs
type Registrar interface {
	IsConnected() bool
	RegisterNodes(ctx context.Context, nodeIDs []string) ([]string, error)
	UnregisterNodes(ctx context.Context, handles []string) error
}

//Terminator stops every subscription bound to a handle or node id and returns how many it stopped
type Terminator interface {
	TerminateNode(handle, nodeID, reason string) int
}

//Store persists registrations
type Store interface {
	SaveRegistration(node RegisteredNode) error
	DeleteRegistration(handle string) error
	Registrations() ([]RegisteredNode, error)
}

//Registry keeps the table of registered nodes
type Registry struct {
	mu         sync.Mutex
	byNodeID   map[string]*RegisteredNode
	byHandle   map[string]*RegisteredNode
	registrar  Registrar
	terminator Terminator
	store      Store
	log        logging.Logger
}

//New creates an empty registry. The store may be nil.
func New(registrar Registrar, store Store, log logging.Logger) *Registry {
	return &Registry{
		byNodeID:  map[string]*RegisteredNode{},
		byHandle:  map[string]*RegisteredNode{},
		registrar: registrar,
		store:     store,
		log:       log,
	}
}

//SetTerminator wires the component that owns the subscriptions
func (r *Registry) SetTerminator(t Terminator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminator = t
}

//Register returns the handle for nodeID, asking the server for one only if the node is unknown
func (r *Registry) Register(ctx context.Context, nodeID string) (RegisteredNode, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return RegisteredNode{}, apierr.New(apierr.Validation, "nodeId is required")
	}

	if !r.registrar.IsConnected() {
		return RegisteredNode{}, apierr.New(apierr.NotConnected, "Not connected to PLC")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byNodeID[nodeID]; ok {
		r.log.Debugf("node %s is already registered as %s", nodeID, existing.Handle)
		return *existing, nil
	}

	handles, err := r.registrar.RegisterNodes(ctx, []string{nodeID})
	if err != nil {
		return RegisteredNode{}, apierr.Wrap(apierr.Register, err, "failed to register node %s", nodeID)
	}
	if len(handles) != 1 || handles[0] == "" {
		return RegisteredNode{}, apierr.New(apierr.Register, "failed to register node %s: server returned no handle", nodeID)
	}

	node := &RegisteredNode{NodeID: nodeID, Handle: handles[0], CreatedAt: time.Now().UTC()}
	r.insertLocked(node)

	if r.store != nil {
		if err := r.store.SaveRegistration(*node); err != nil {
			r.log.Warnf("failed to persist registration of %s: %s", nodeID, err.Error())
		}
	}

	r.log.Infof("registered node %s as %s", nodeID, node.Handle)

	return *node, nil
}

//Unregister terminates every dependent subscription, releases the handle on the
//server and forgets the registration
func (r *Registry) Unregister(ctx context.Context, handle string) (UnregisterSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.byHandle[handle]
	if !ok {
		return UnregisterSummary{}, apierr.New(apierr.NotFound, "registered node %s not found", handle)
	}

	summary := UnregisterSummary{}
	if r.terminator != nil {
		summary.TerminatedSubscriptionCount = r.terminator.TerminateNode(node.Handle, node.NodeID, "node unregistered")
	}

	if r.registrar.IsConnected() {
		err := r.registrar.UnregisterNodes(ctx, []string{node.Handle})
		if err != nil && !apierr.SignalsConnectionLoss(err) {
			return summary, apierr.Wrap(apierr.Unregister, err, "failed to unregister node %s", node.NodeID)
		}
	}

	r.removeLocked(node)

	if r.store != nil {
		if err := r.store.DeleteRegistration(node.Handle); err != nil {
			r.log.Warnf("failed to delete persisted registration of %s: %s", node.NodeID, err.Error())
		}
	}

	r.log.Infof("unregistered node %s (%s), %d subscription(s) terminated",
		node.NodeID, node.Handle, summary.TerminatedSubscriptionCount)

	return summary, nil
}

//List returns a snapshot of all registrations, oldest first
func (r *Registry) List() []RegisteredNode {
	r.mu.Lock()
	nodes := make([]RegisteredNode, 0, len(r.byHandle))
	for _, n := range r.byHandle {
		nodes = append(nodes, *n)
	}
	r.mu.Unlock()

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].NodeID < nodes[j].NodeID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})

	return nodes
}

//Lookup finds the registration owning handle
func (r *Registry) Lookup(handle string) (RegisteredNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.byHandle[handle]; ok {
		return *n, true
	}
	return RegisteredNode{}, false
}

//Refresh merges registrations from the store that are not yet known locally
func (r *Registry) Refresh(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	rows, err := r.store.Registrations()
	if err != nil {
		return apierr.Wrap(apierr.Store, err, "failed to load registered nodes")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	merged := 0
	for i := range rows {
		row := rows[i]
		if row.NodeID == "" || row.Handle == "" {
			continue
		}
		if _, ok := r.byNodeID[row.NodeID]; ok {
			continue
		}
		if _, ok := r.byHandle[row.Handle]; ok {
			continue
		}
		r.insertLocked(&row)
		merged++
	}

	if merged > 0 {
		r.log.Infof("merged %d registration(s) from the store", merged)
	}

	return nil
}

func (r *Registry) insertLocked(n *RegisteredNode) {
	r.byNodeID[n.NodeID] = n
	r.byHandle[n.Handle] = n
}

func (r *Registry) removeLocked(n *RegisteredNode) {
	delete(r.byNodeID, n.NodeID)
	delete(r.byHandle, n.Handle)
}
