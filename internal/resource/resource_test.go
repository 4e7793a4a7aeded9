package resource

import (
	"testing"

	"github.com/stretchr/testify/require"

	"coapserver/internal/coap"
)

func TestCreateThenGet(t *testing.T) {
	reg := NewMapRegistry()
	code, err := reg.Create("/sensors/temp", &Resource{Payload: []byte("21.5")})
	require.NoError(t, err)
	require.Equal(t, coap.Created, code)

	r, ok := reg.Get("/sensors/temp")
	require.True(t, ok)
	require.Equal(t, []byte("21.5"), r.Payload)
}

func TestCreateDuplicateIsForbidden(t *testing.T) {
	reg := NewMapRegistry()
	_, err := reg.Create("/a", &Resource{})
	require.NoError(t, err)

	code, err := reg.Create("/a", &Resource{})
	require.NoError(t, err)
	require.Equal(t, coap.Forbidden, code)
}

func TestUpdateBumpsSequence(t *testing.T) {
	reg := NewMapRegistry()
	reg.Create("/a", &Resource{})

	code, err := reg.Update("/a", []byte("v1"), coap.MediaTextPlain)
	require.NoError(t, err)
	require.Equal(t, coap.Changed, code)

	r, _ := reg.Get("/a")
	require.Equal(t, uint32(1), r.Seq())
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	reg := NewMapRegistry()
	code, err := reg.Update("/missing", nil, 0)
	require.NoError(t, err)
	require.Equal(t, coap.NotFound, code)
}

func TestDeleteIsIdempotent(t *testing.T) {
	reg := NewMapRegistry()
	reg.Create("/a", &Resource{})

	code, err := reg.Delete("/a")
	require.NoError(t, err)
	require.Equal(t, coap.Deleted, code)

	code, err = reg.Delete("/a")
	require.NoError(t, err)
	require.Equal(t, coap.Deleted, code)
}

func TestBumpWrapsAt24Bits(t *testing.T) {
	r := &Resource{seq: 0x00FFFFFF}
	require.Equal(t, uint32(0), r.Bump())
}
