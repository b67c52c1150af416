// Package coapglue is the thin connecting layer between the DTLS Connection
// Manager (internal/transport) and the Object/Resource Registry
// (internal/registry), playing the role spec §1 assigns to an "assumed to
// be available" CoAP library: turning inbound datagrams into dispatches
// against registered resources, and outgoing Session Manager operations
// (bootstrap, register, update, deregister) into CoAP requests.
//
// Grounded on the go-ocf-sdk reference's kitNetCoap.Client usage
// (GetResource/UpdateResource/DeleteResource against well-known resource
// paths) generalized from OCF's doxm/cred/pstat resources to LwM2M's
// /bs, /rd, /rd/{location} operations, and wired to the real CoAP
// transport the module depends on, github.com/plgd-dev/go-coap/v2.
package coapglue

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/mux"
	coapNet "github.com/plgd-dev/go-coap/v2/net"
	"github.com/plgd-dev/go-coap/v2/udp"
	"github.com/plgd-dev/go-coap/v2/udp/client"

	"github.com/protei/lwm2mclient/internal/logger"
	"github.com/protei/lwm2mclient/internal/registry"
)

// RegisterResult is the outcome of a register operation.
type RegisterResult struct {
	Location string
	Lifetime int
}

// Router wires inbound CoAP requests (DM reads/writes/executes against
// /{object}/{instance}/{resource}) to the Object/Resource Registry, the
// same connecting role kitNetCoap.Client plays between go-coap and OCF's
// security resources in the reference SDK.
type Router struct {
	reg *registry.Registry
	mux *mux.Router
	log *logger.Logger
}

// NewRouter builds a mux.Router backed by reg. Paths follow LwM2M's
// "/{objectId}/{instanceId}/{resourceId}" convention.
func NewRouter(reg *registry.Registry) (*Router, error) {
	r := &Router{reg: reg, mux: mux.NewRouter(), log: logger.Get().WithComponent("coap")}
	r.mux.DefaultHandleFunc(r.handle)
	return r, nil
}

func (r *Router) handle(w mux.ResponseWriter, req *mux.Message) {
	object, instance, resource, err := parsePath(req.Path())
	if err != nil {
		r.log.Debug("rejecting malformed resource path", "error", err.Error())
		_ = w.SetResponse(codes.BadRequest, message.TextPlain, nil)
		return
	}

	switch req.Code() {
	case codes.GET:
		data, status, rerr := r.reg.Read(object, resource, instance)
		if rerr != nil {
			_ = w.SetResponse(statusToCode(status), message.TextPlain, nil)
			return
		}
		_ = w.SetResponse(codes.Content, message.AppOctets, bytesReader(data))
	case codes.PUT:
		body, _ := io.ReadAll(req.Body())
		status, werr := r.reg.Write(object, resource, instance, body)
		if werr != nil {
			_ = w.SetResponse(statusToCode(status), message.TextPlain, nil)
			return
		}
		_ = w.SetResponse(codes.Changed, message.TextPlain, nil)
	case codes.POST:
		args, _ := io.ReadAll(req.Body())
		status, eerr := r.reg.Execute(object, resource, instance, args)
		if eerr != nil {
			_ = w.SetResponse(statusToCode(status), message.TextPlain, nil)
			return
		}
		_ = w.SetResponse(codes.Changed, message.TextPlain, nil)
	default:
		_ = w.SetResponse(codes.MethodNotAllowed, message.TextPlain, nil)
	}
}

func statusToCode(status registry.Status) codes.Code {
	switch status {
	case registry.CompletedOK:
		return codes.Changed
	case registry.InvalidArg, registry.IncorrectRange:
		return codes.BadRequest
	case registry.OpNotSupported, registry.NotYetImplemented:
		return codes.MethodNotAllowed
	default:
		return codes.InternalServerError
	}
}

func parsePath(path string) (registry.ObjectID, registry.InstanceID, registry.ResourceID, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("coapglue: path %q is not /object/instance/resource", path)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("coapglue: non-numeric path segment %q: %w", p, err)
		}
		nums[i] = n
	}
	return registry.ObjectID(nums[0]), registry.InstanceID(nums[1]), registry.ResourceID(nums[2]), nil
}

func bytesReader(b []byte) io.ReadSeeker { return strings.NewReader(string(b)) }

// Client is one peer's CoAP client, layered over the net.Conn the
// Connection Manager exposes for a given transport.Connection (either a
// pion/dtls/v2 session or a plaintext passthrough).
type Client struct {
	cc *client.ClientConn
}

// NewClient wraps conn (conn.NetConn() from internal/transport — already
// secured or plaintext, per the transport layer's decision) in a
// go-coap/v2 client bound to router for inbound requests.
func NewClient(conn net.Conn, router *Router) (*Client, error) {
	session := coapNet.NewConn(conn)
	cc := udp.NewClientConn(session, udp.WithMux(router.mux))
	return &Client{cc: cc}, nil
}

// Register issues the LwM2M registration request (CoAP POST /rd) described
// in spec §4.5, returning the server-assigned location path and the
// lifetime that was requested.
func (c *Client) Register(ctx context.Context, endpoint string, lifetime int, withObjects bool, objectLinks string) (RegisterResult, error) {
	query := fmt.Sprintf("ep=%s&lt=%d&lwm2m=1.0&b=U", endpoint, lifetime)
	var body io.ReadSeeker
	if withObjects {
		body = strings.NewReader(objectLinks)
	}
	resp, err := c.cc.Post(ctx, "/rd?"+query, message.AppLinkFormat, body)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("coapglue: register: %w", err)
	}
	if resp.Code() != codes.Created {
		return RegisterResult{}, fmt.Errorf("coapglue: register rejected: %s", resp.Code())
	}
	loc, _ := resp.Options().Path()
	return RegisterResult{Location: loc, Lifetime: lifetime}, nil
}

// Update issues the registration-update request (CoAP POST /rd/{location}).
func (c *Client) Update(ctx context.Context, location string, withObjects bool, objectLinks string) error {
	var body io.ReadSeeker
	if withObjects {
		body = strings.NewReader(objectLinks)
	}
	resp, err := c.cc.Post(ctx, location, message.AppLinkFormat, body)
	if err != nil {
		return fmt.Errorf("coapglue: update: %w", err)
	}
	if resp.Code() != codes.Changed {
		return fmt.Errorf("coapglue: update rejected: %s", resp.Code())
	}
	return nil
}

// Deregister issues the deregistration request (CoAP DELETE /rd/{location}).
func (c *Client) Deregister(ctx context.Context, location string) error {
	resp, err := c.cc.Delete(ctx, location)
	if err != nil {
		return fmt.Errorf("coapglue: deregister: %w", err)
	}
	if resp.Code() != codes.Deleted {
		return fmt.Errorf("coapglue: deregister rejected: %s", resp.Code())
	}
	return nil
}

// Bootstrap issues the bootstrap-request (CoAP POST /bs?ep={endpoint});
// the bootstrap server subsequently writes credentials via inbound PUT
// against the Security object, dispatched through Router like any other
// inbound request (Router answers DELETE with Method Not Allowed).
func (c *Client) Bootstrap(ctx context.Context, endpoint string) error {
	resp, err := c.cc.Post(ctx, "/bs?ep="+endpoint, message.TextPlain, nil)
	if err != nil {
		return fmt.Errorf("coapglue: bootstrap request: %w", err)
	}
	if resp.Code() != codes.Changed {
		return fmt.Errorf("coapglue: bootstrap request rejected: %s", resp.Code())
	}
	return nil
}

// Close releases the underlying CoAP connection without closing the
// transport.Connection it was built on (the Connection Manager owns that).
func (c *Client) Close() error {
	return c.cc.Close()
}
