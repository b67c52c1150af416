package session

import (
	"strconv"

	"github.com/protei/lwm2mclient/internal/credstore"
	"github.com/protei/lwm2mclient/internal/registry"
)

// LwM2M standard object/resource ids for the Security object (object 0),
// the only object this package implements directly — every other object
// is a porting-layer concern outside this subsystem's scope.
const (
	ObjectSecurity registry.ObjectID = 0

	ResourceServerURI       registry.ResourceID = 0
	ResourceIsBootstrap     registry.ResourceID = 1
	ResourcePSKIdentity     registry.ResourceID = 3
	ResourceServerPublicKey registry.ResourceID = 4
	ResourcePSKSecret       registry.ResourceID = 5
	ResourceShortServerID   registry.ResourceID = 10
)

// securityObject is the shared state backing every resource of object 0:
// the bridge between an inbound bootstrap write and the Credential Store,
// translating CoAP PUT against /0/{instance}/{resource} into
// credstore.Store.Set calls keyed by the instance's short server id
// (bootstrap instances are tagged via resource 1, Is Bootstrap Server).
type securityObject struct {
	store *credstore.Store

	instanceServerID map[registry.InstanceID]uint16
	instanceBS       map[registry.InstanceID]bool
}

func newSecurityObject(store *credstore.Store) *securityObject {
	return &securityObject{
		store:            store,
		instanceServerID: map[registry.InstanceID]uint16{},
		instanceBS:       map[registry.InstanceID]bool{},
	}
}

func (s *securityObject) read(resource registry.ResourceID, iid registry.InstanceID) ([]byte, registry.Status) {
	return nil, registry.OpNotSupported
}

func (s *securityObject) write(resource registry.ResourceID, iid registry.InstanceID, value []byte) registry.Status {
	switch resource {
	case ResourceIsBootstrap:
		s.instanceBS[iid] = len(value) == 1 && value[0] != 0
		return registry.CompletedOK
	case ResourceShortServerID:
		n, err := strconv.Atoi(string(value))
		if err != nil || n < 0 || n > 0xFFFF {
			return registry.InvalidArg
		}
		s.instanceServerID[iid] = uint16(n)
		return registry.CompletedOK
	}

	bootstrap := s.instanceBS[iid]
	serverID := s.instanceServerID[iid]

	switch resource {
	case ResourceServerURI:
		uriID := credstore.DMAddress
		if bootstrap {
			uriID = credstore.BSAddress
		}
		if err := s.store.Set(uriID, serverID, value); err != nil {
			return registry.GeneralError
		}
	case ResourcePSKIdentity:
		identityID := credstore.DMPublicKey
		if bootstrap {
			identityID = credstore.BSPublicKey
		}
		if err := s.store.Set(identityID, serverID, value); err != nil {
			return registry.GeneralError
		}
	case ResourcePSKSecret:
		secretID := credstore.DMSecretKey
		if bootstrap {
			secretID = credstore.BSSecretKey
		}
		if err := s.store.Set(secretID, serverID, value); err != nil {
			return registry.GeneralError
		}
	case ResourceServerPublicKey:
		// The server's own public key isn't part of the PSK credential
		// set this store keeps; bootstrap servers using PSK mode never
		// populate it, so accept and discard.
		return registry.CompletedOK
	default:
		return registry.OpNotSupported
	}
	return registry.CompletedOK
}

func (s *securityObject) execute(resource registry.ResourceID, iid registry.InstanceID, args []byte) registry.Status {
	return registry.OpNotSupported
}

// resourceView is the registry.Resource the Session Manager registers once
// per resource id, all sharing one securityObject and each fixed to its own
// resource id — the registry dispatches by (object, resource) and has no
// other way to tell the shared handler which column of the Security object
// a call is for.
type resourceView struct {
	shared   *securityObject
	resource registry.ResourceID
}

func (v *resourceView) Read(iid registry.InstanceID) ([]byte, registry.Status) {
	return v.shared.read(v.resource, iid)
}

func (v *resourceView) Write(iid registry.InstanceID, value []byte) registry.Status {
	return v.shared.write(v.resource, iid, value)
}

func (v *resourceView) Execute(iid registry.InstanceID, args []byte) registry.Status {
	return v.shared.execute(v.resource, iid, args)
}

// registerSecurityObject installs the Security object's resources against
// reg, returning the shared state so tests can assert on credential writes
// that result from inbound bootstrap traffic.
func registerSecurityObject(reg *registry.Registry, store *credstore.Store) *securityObject {
	shared := newSecurityObject(store)
	for _, rid := range []registry.ResourceID{
		ResourceServerURI, ResourceIsBootstrap, ResourcePSKIdentity,
		ResourceServerPublicKey, ResourcePSKSecret, ResourceShortServerID,
	} {
		reg.Register(ObjectSecurity, rid, &resourceView{shared: shared, resource: rid})
	}
	return shared
}
