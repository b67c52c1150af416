package coapglue

import (
	"testing"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/require"

	"github.com/protei/lwm2mclient/internal/registry"
)

func TestParsePath(t *testing.T) {
	obj, inst, res, err := parsePath("/3/0/1")
	require.NoError(t, err)
	require.Equal(t, registry.ObjectID(3), obj)
	require.Equal(t, registry.InstanceID(0), inst)
	require.Equal(t, registry.ResourceID(1), res)
}

func TestParsePathRejectsMalformed(t *testing.T) {
	cases := []string{"/3/0", "/3/0/1/2", "/x/0/1", ""}
	for _, c := range cases {
		_, _, _, err := parsePath(c)
		require.Error(t, err, "path %q should be rejected", c)
	}
}

func TestStatusToCode(t *testing.T) {
	require.Equal(t, codes.Changed, statusToCode(registry.CompletedOK))
	require.Equal(t, codes.BadRequest, statusToCode(registry.InvalidArg))
	require.Equal(t, codes.BadRequest, statusToCode(registry.IncorrectRange))
	require.Equal(t, codes.MethodNotAllowed, statusToCode(registry.OpNotSupported))
	require.Equal(t, codes.MethodNotAllowed, statusToCode(registry.NotYetImplemented))
	require.Equal(t, codes.InternalServerError, statusToCode(registry.GeneralError))
}

func TestNewRouterWithRegisteredResource(t *testing.T) {
	reg := registry.New()
	reg.Register(3, 1, fakeResource{})
	router, err := NewRouter(reg)
	require.NoError(t, err)
	require.NotNil(t, router)
}

type fakeResource struct{}

func (fakeResource) Read(iid registry.InstanceID) ([]byte, registry.Status) {
	return []byte("ok"), registry.CompletedOK
}
func (fakeResource) Write(iid registry.InstanceID, value []byte) registry.Status {
	return registry.CompletedOK
}
func (fakeResource) Execute(iid registry.InstanceID, args []byte) registry.Status {
	return registry.CompletedOK
}
