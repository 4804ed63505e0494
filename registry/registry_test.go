package registry_test

import (
	"encoding/json"
	"io"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	"github.com/vkngwrapper/cmdstream/handle"
	"github.com/vkngwrapper/cmdstream/registry"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r, err := registry.New(slog.New(slog.NewTextHandler(io.Discard)), registry.CreateOptions{})
	require.NoError(t, err)
	return r
}

func TestCreate_PlacesAllocationsAtAlignedAddresses(t *testing.T) {
	r := newRegistry(t)

	first, err := r.Create(1, 100)
	require.NoError(t, err)
	second, err := r.Create(1, 0x10001)
	require.NoError(t, err)
	third, err := r.Create(2, 8)
	require.NoError(t, err)

	require.Equal(t, registry.DefaultBaseAddress, first.BaseAddress)
	require.Equal(t, registry.DefaultBaseAddress+0x10000, second.BaseAddress)
	require.Equal(t, registry.DefaultBaseAddress+0x30000, third.BaseAddress)
	require.True(t, first.Resident)
	require.Equal(t, 3, r.Count())
	require.NoError(t, r.Validate())

	_, err = r.Create(1, 0)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	r := newRegistry(t)

	info, err := r.Create(7, 256)
	require.NoError(t, err)

	found, err := r.Lookup(7, info.Handle)
	require.NoError(t, err)
	require.Equal(t, info, found)

	_, err = r.Lookup(8, info.Handle)
	require.True(t, errors.Is(err, registry.ErrNotOwned))

	require.NoError(t, r.Evict(info.Handle))
	_, err = r.Lookup(7, info.Handle)
	require.True(t, errors.Is(err, registry.ErrNotResident))

	require.NoError(t, r.MakeResident(info.Handle))
	_, err = r.Lookup(7, info.Handle)
	require.NoError(t, err)

	require.NoError(t, r.Destroy(info.Handle))
	_, err = r.Lookup(7, info.Handle)
	require.True(t, errors.Is(err, registry.ErrUnknownAllocation))
	require.True(t, errors.Is(err, handle.ErrStaleHandle))

	_, err = r.Lookup(7, info.Handle+5)
	require.True(t, errors.Is(err, registry.ErrUnknownAllocation))

	_, err = r.Lookup(7, handle.Null)
	require.True(t, errors.Is(err, registry.ErrUnknownAllocation))
}

func TestAddressAccess(t *testing.T) {
	r := newRegistry(t)

	first, err := r.Create(1, 128)
	require.NoError(t, err)
	second, err := r.Create(1, 64)
	require.NoError(t, err)

	require.NoError(t, r.WriteAddress(second.BaseAddress+8, []byte{1, 2, 3, 4}))
	read, err := r.Read(second.Handle, 8, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, read)

	require.NoError(t, r.CopyAddress(first.BaseAddress+100, second.BaseAddress+8, 4))
	data, err := r.ReadAddress(first.BaseAddress+100, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	// Returned memory is a copy
	data[0] = 9
	read, err = r.Read(first.Handle, 100, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, read)

	// Overlapping ranges within one allocation
	require.NoError(t, r.CopyAddress(second.BaseAddress+9, second.BaseAddress+8, 4))
	read, err = r.Read(second.Handle, 8, 5)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 1, 2, 3, 4}, read)

	err = r.CopyAddress(first.BaseAddress, first.BaseAddress+120, 16)
	require.True(t, errors.Is(err, registry.ErrAddressNotMapped))

	_, err = r.ReadAddress(first.BaseAddress-1, 1)
	require.True(t, errors.Is(err, registry.ErrAddressNotMapped))

	_, err = r.ReadAddress(math.MaxUint64, 1)
	require.True(t, errors.Is(err, registry.ErrAddressNotMapped))

	require.NoError(t, r.Evict(first.Handle))
	err = r.WriteAddress(first.BaseAddress, []byte{1})
	require.True(t, errors.Is(err, registry.ErrNotResident))

	require.NoError(t, r.Destroy(first.Handle))
	err = r.CopyAddress(second.BaseAddress, first.BaseAddress, 16)
	require.True(t, errors.Is(err, registry.ErrAddressNotMapped))
	require.NoError(t, r.Validate())
}

func TestAddressAccess_ConcurrentWithWrite(t *testing.T) {
	r := newRegistry(t)

	src, err := r.Create(1, 256)
	require.NoError(t, err)
	dst, err := r.Create(1, 256)
	require.NoError(t, err)

	var group errgroup.Group
	group.Go(func() error {
		for i := 0; i < 500; i++ {
			err := r.CopyAddress(dst.BaseAddress, src.BaseAddress, 256)
			if err != nil {
				return err
			}
		}
		return nil
	})
	group.Go(func() error {
		payload := make([]byte, 256)
		for i := 0; i < 500; i++ {
			payload[i%256] = byte(i)
			err := r.Write(src.Handle, 0, payload)
			if err != nil {
				return err
			}
			err = r.Write(dst.Handle, 0, payload)
			if err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, group.Wait())
	require.NoError(t, r.Validate())
}

func TestCreate_RejectsOversizedAllocation(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Create(1, 1<<62)
	require.True(t, errors.Is(err, cmdbuf.ErrOutOfMemory))
	require.True(t, cmdbuf.IsFatal(err))

	_, err = r.Create(1, registry.DefaultMaxAllocationSize+1)
	require.True(t, errors.Is(err, cmdbuf.ErrOutOfMemory))
	require.Equal(t, 0, r.Count())

	limited, err := registry.New(slog.New(slog.NewTextHandler(io.Discard)), registry.CreateOptions{
		MaxAllocationSize: 64,
	})
	require.NoError(t, err)

	_, err = limited.Create(1, 64)
	require.NoError(t, err)
	_, err = limited.Create(1, 65)
	require.True(t, errors.Is(err, cmdbuf.ErrOutOfMemory))
	require.Equal(t, 1, limited.Count())
}

func TestNew_HighBaseAddress(t *testing.T) {
	_, err := registry.New(slog.New(slog.NewTextHandler(io.Discard)), registry.CreateOptions{
		BaseAddress: math.MaxUint64 - 0xfffe,
	})
	require.Error(t, err)

	r, err := registry.New(slog.New(slog.NewTextHandler(io.Discard)), registry.CreateOptions{
		BaseAddress: 1 << 63,
	})
	require.NoError(t, err)

	info, err := r.Create(1, 0x10000)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<63), info.BaseAddress)

	next, err := r.Create(1, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<63+0x10000), next.BaseAddress)

	require.NoError(t, r.WriteAddress(next.BaseAddress+4, []byte{7}))
	data, err := r.ReadAddress(next.BaseAddress+4, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{7}, data)
	require.NoError(t, r.Validate())
}

func TestCreate_RejectsAllocationPastEndOfAddressSpace(t *testing.T) {
	r, err := registry.New(slog.New(slog.NewTextHandler(io.Discard)), registry.CreateOptions{
		BaseAddress: math.MaxUint64 - 0xffff,
	})
	require.NoError(t, err)

	_, err = r.Create(1, 0x10000)
	require.True(t, errors.Is(err, cmdbuf.ErrOutOfMemory))
	require.Equal(t, 0, r.Count())
}

func TestWriteRead_OutOfBounds(t *testing.T) {
	r := newRegistry(t)

	info, err := r.Create(1, 16)
	require.NoError(t, err)

	require.Error(t, r.Write(info.Handle, 12, make([]byte, 8)))
	_, err = r.Read(info.Handle, 0, 17)
	require.Error(t, err)
}

func TestNew_RejectsBadAlignment(t *testing.T) {
	_, err := registry.New(slog.New(slog.NewTextHandler(io.Discard)), registry.CreateOptions{Alignment: 3000})
	require.Error(t, err)
}

func TestPrintDetailedMap(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Create(1, 32)
	require.NoError(t, err)
	_, err = r.Create(2, 64)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	r.PrintDetailedMap(&writer)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(writer.Bytes(), &out))
	require.Len(t, out, 2)
	require.Equal(t, "0x10000", out[0]["BaseAddress"])
	require.Equal(t, float64(64), out[1]["Size"])
}

func TestDestroyOwned(t *testing.T) {
	r := newRegistry(t)

	first, err := r.Create(1, 64)
	require.NoError(t, err)
	other, err := r.Create(2, 64)
	require.NoError(t, err)
	second, err := r.Create(1, 64)
	require.NoError(t, err)

	require.NoError(t, r.DestroyOwned(1))
	require.Equal(t, 1, r.Count())

	_, err = r.Info(first.Handle)
	require.True(t, errors.Is(err, registry.ErrUnknownAllocation))
	_, err = r.Info(second.Handle)
	require.True(t, errors.Is(err, registry.ErrUnknownAllocation))

	info, err := r.Info(other.Handle)
	require.NoError(t, err)
	require.Equal(t, registry.ContextID(2), info.Owner)
	require.NoError(t, r.Validate())
}
