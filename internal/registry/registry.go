// Package registry is the in-memory Object/Resource registry described in
// spec §4.3: an interface-only component exposing read/write/execute
// callbacks per registered resource, consumed by the CoAP layer
// (internal/coapglue). The Session Manager never interprets it — it only
// hands it to the CoAP handler at init.
//
// Shaped after pkg/decoder/types.go's DecoderRegistry: a
// map[key]implementation behind a Register/Get pair, plus typed sentinel
// errors satisfying errors.Is/As instead of string comparison.
package registry

import "fmt"

// Status is the LwM2M operation outcome enumeration spec §4.3 lists.
type Status int

const (
	CompletedOK Status = iota
	GeneralError
	InvalidArg
	Overflow
	IncorrectRange
	NotYetImplemented
	OpNotSupported
	InvalidState
	ShaDigestMismatch
)

func (s Status) String() string {
	switch s {
	case CompletedOK:
		return "COMPLETED_OK"
	case GeneralError:
		return "GENERAL_ERROR"
	case InvalidArg:
		return "INVALID_ARG"
	case Overflow:
		return "OVERFLOW"
	case IncorrectRange:
		return "INCORRECT_RANGE"
	case NotYetImplemented:
		return "NOT_YET_IMPLEMENTED"
	case OpNotSupported:
		return "OP_NOT_SUPPORTED"
	case InvalidState:
		return "INVALID_STATE"
	case ShaDigestMismatch:
		return "SHA_DIGEST_MISMATCH"
	default:
		return "UNKNOWN_STATUS"
	}
}

// ObjectID identifies an LwM2M Object (e.g. Security = 0, Server = 1,
// Device = 3); ResourceID identifies a Resource within an Object;
// InstanceID identifies an Instance of an Object.
type ObjectID int
type ResourceID int
type InstanceID int

// Resource is the porting-layer surface a registered Object/Resource
// implements. Each method returns the LwM2M status enumeration from
// spec §4.3; the registry and CoAP layer never inspect the bytes they
// carry, only the Status.
type Resource interface {
	Read(iid InstanceID) ([]byte, Status)
	Write(iid InstanceID, value []byte) Status
	Execute(iid InstanceID, args []byte) Status
}

type resourceKey struct {
	Object   ObjectID
	Resource ResourceID
}

// Registry maps (ObjectID, ResourceID) pairs to their Resource
// implementation.
type Registry struct {
	resources map[resourceKey]Resource
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{resources: make(map[resourceKey]Resource)}
}

// Register installs the handler for (object, resource). A later call for
// the same pair replaces the earlier one, matching
// DecoderRegistry.Register's last-registration-wins behaviour.
func (r *Registry) Register(object ObjectID, resource ResourceID, handler Resource) {
	r.resources[resourceKey{object, resource}] = handler
}

// Get returns the handler for (object, resource), if any.
func (r *Registry) Get(object ObjectID, resource ResourceID) (Resource, bool) {
	h, ok := r.resources[resourceKey{object, resource}]
	return h, ok
}

// Read dispatches a read to the registered handler, or returns
// OpNotSupported paired with ErrNoResourceFound when nothing is
// registered for (object, resource).
func (r *Registry) Read(object ObjectID, resource ResourceID, iid InstanceID) ([]byte, Status, error) {
	h, ok := r.Get(object, resource)
	if !ok {
		return nil, OpNotSupported, &ResourceError{Object: object, Resource: resource, Err: ErrNoResourceFound}
	}
	data, status := h.Read(iid)
	return data, status, nil
}

// Write dispatches a write to the registered handler.
func (r *Registry) Write(object ObjectID, resource ResourceID, iid InstanceID, value []byte) (Status, error) {
	h, ok := r.Get(object, resource)
	if !ok {
		return OpNotSupported, &ResourceError{Object: object, Resource: resource, Err: ErrNoResourceFound}
	}
	return h.Write(iid, value), nil
}

// Execute dispatches an execute to the registered handler.
func (r *Registry) Execute(object ObjectID, resource ResourceID, iid InstanceID, args []byte) (Status, error) {
	h, ok := r.Get(object, resource)
	if !ok {
		return OpNotSupported, &ResourceError{Object: object, Resource: resource, Err: ErrNoResourceFound}
	}
	return h.Execute(iid, args), nil
}

// ResourceError carries the (object, resource) pair alongside the
// underlying sentinel, the way pkg/decoder/types.go's DecoderError carries
// a Protocol alongside its sentinel.
type ResourceError struct {
	Object   ObjectID
	Resource ResourceID
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("registry: object %d resource %d: %s", e.Object, e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ErrNoResourceFound is returned (wrapped in ResourceError) when no
// handler is registered for an (object, resource) pair.
var ErrNoResourceFound = fmt.Errorf("no handler registered")
