package validator_test

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	mock_cmdbuf "github.com/vkngwrapper/cmdstream/cmdbuf/mocks"
	"github.com/vkngwrapper/cmdstream/gpucmd"
	"github.com/vkngwrapper/cmdstream/handle"
	"github.com/vkngwrapper/cmdstream/registry"
	"github.com/vkngwrapper/cmdstream/validator"
	mock_validator "github.com/vkngwrapper/cmdstream/validator/mocks"
	"github.com/vkngwrapper/core/v2/core1_0"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const owner registry.ContextID = 1

var (
	dstHandle = handle.Handle(uint64(1)<<32 | 1)
	srcHandle = handle.Handle(uint64(1)<<32 | 2)

	dstInfo = registry.AllocationInfo{Handle: dstHandle, Owner: owner, BaseAddress: 0x100000, Size: 4096, Resident: true}
	srcInfo = registry.AllocationInfo{Handle: srcHandle, Owner: owner, BaseAddress: 0x200000, Size: 4096, Resident: true}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

// recordCopies encodes copies of size bytes from srcHandle to dstHandle into an empty 4 KiB buffer
func recordCopies(t *testing.T, ctrl *gomock.Controller, count int, size uint64) *cmdbuf.CommandBuffer {
	t.Helper()

	fences := mock_cmdbuf.NewMockFenceSource(ctrl)
	fences.EXPECT().CompletedFence().AnyTimes().Return(uint64(0))

	pool, err := cmdbuf.NewPool(testLogger(), cmdbuf.PoolCreateInfo{
		Classes: []cmdbuf.ClassCreateInfo{
			{
				Class:                  cmdbuf.QueueCopy,
				BufferCount:            1,
				BufferCapacity:         4096,
				AllocationListCapacity: 16,
				PatchListCapacity:      16,
				Fences:                 fences,
			},
		},
	})
	require.NoError(t, err)

	buffer := pool.Acquire(cmdbuf.QueueCopy)
	require.NotNil(t, buffer)

	encoder := cmdbuf.NewEncoder(testLogger())
	for i := 0; i < count; i++ {
		_, err = encoder.EncodeResourceCopy(buffer,
			cmdbuf.ResourceReference{Handle: dstHandle},
			cmdbuf.ResourceReference{Handle: srcHandle},
			size)
		require.NoError(t, err)
	}

	return buffer
}

func renderArgs(buffer *cmdbuf.CommandBuffer) validator.RenderArgs {
	return validator.RenderArgs{
		Owner:                owner,
		Commands:             buffer.Bytes(),
		CommandLength:        buffer.UsedBytes(),
		AllocationList:       append([]cmdbuf.AllocationListEntry(nil), buffer.Allocations()...),
		PatchLocationsIn:     append([]cmdbuf.PatchLocation(nil), buffer.PatchLocations()...),
		PatchLocationsOut:    make([]cmdbuf.PatchLocation, len(buffer.PatchLocations())+4),
		DmaBuffer:            make([]byte, 4096),
		DmaBufferBaseAddress: 0x8000000,
	}
}

func expectLookups(registryMock *mock_validator.MockAllocationRegistry) {
	registryMock.EXPECT().Lookup(owner, dstHandle).Return(dstInfo, nil).Times(1)
	registryMock.EXPECT().Lookup(owner, srcHandle).Return(srcInfo, nil).Times(1)
}

func TestRender_PatchesEveryAddress(t *testing.T) {
	ctrl := gomock.NewController(t)
	registryMock := mock_validator.NewMockAllocationRegistry(ctrl)
	expectLookups(registryMock)

	buffer := recordCopies(t, ctrl, 1, 4096)
	original := append([]byte(nil), buffer.Bytes()...)
	args := renderArgs(buffer)

	v := validator.New(testLogger(), registryMock)
	info, res, err := v.Render(context.Background(), args)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	require.Equal(t, validator.DmaBufferRender|validator.DmaBufferSoftwareCommandBuffer, info.Flags)
	require.Equal(t, buffer.UsedBytes(), info.Size)
	require.Equal(t, uint64(0x8000000), info.BaseAddress)
	require.Len(t, info.PatchLocations, 2)
	require.Equal(t, dstInfo, info.Allocations[0])
	require.Equal(t, srcInfo, info.Allocations[1])

	copyOffset := gpucmd.HeaderCommandSize
	require.Equal(t, dstInfo.BaseAddress, gpucmd.ReadAddress(info.Data, copyOffset+gpucmd.ResourceCopyDstOffset))
	require.Equal(t, srcInfo.BaseAddress, gpucmd.ReadAddress(info.Data, copyOffset+gpucmd.ResourceCopySrcOffset))

	// No patch target is left at its placeholder
	for _, patch := range info.PatchLocations {
		require.NotZero(t, gpucmd.ReadAddress(info.Data, int(patch.PatchOffset)))
	}

	// Producer memory is untouched
	require.Equal(t, original, buffer.Bytes())
}

func TestRender_LooksUpEachAllocationOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	registryMock := mock_validator.NewMockAllocationRegistry(ctrl)
	expectLookups(registryMock)

	buffer := recordCopies(t, ctrl, 3, 64)
	require.Len(t, buffer.Allocations(), 6)

	v := validator.New(testLogger(), registryMock)
	info, _, err := v.Render(context.Background(), renderArgs(buffer))
	require.NoError(t, err)
	require.Len(t, info.PatchLocations, 6)
}

func TestRender_SubAllocationOffset(t *testing.T) {
	ctrl := gomock.NewController(t)
	registryMock := mock_validator.NewMockAllocationRegistry(ctrl)
	expectLookups(registryMock)

	buffer := recordCopies(t, ctrl, 1, 1024)
	args := renderArgs(buffer)
	args.PatchLocationsIn[1].AllocationOffset = 3072

	v := validator.New(testLogger(), registryMock)
	info, _, err := v.Render(context.Background(), args)
	require.NoError(t, err)
	require.Equal(t, srcInfo.BaseAddress+3072, gpucmd.ReadAddress(info.Data, gpucmd.HeaderCommandSize+gpucmd.ResourceCopySrcOffset))
}

func TestRender_Rejections(t *testing.T) {
	testCases := map[string]struct {
		mutate   func(args *validator.RenderArgs)
		expected error
	}{
		"AllocationIndexOutOfRange": {
			mutate:   func(args *validator.RenderArgs) { args.PatchLocationsIn[1].AllocationIndex = 2 },
			expected: cmdbuf.ErrInvalidParameter,
		},
		"PatchOffsetBeyondUsedBytes": {
			mutate:   func(args *validator.RenderArgs) { args.PatchLocationsIn[1].PatchOffset = uint32(args.CommandLength - 4) },
			expected: cmdbuf.ErrInvalidParameter,
		},
		"PatchOffsetNotAnAddressField": {
			mutate:   func(args *validator.RenderArgs) { args.PatchLocationsIn[1].PatchOffset = gpucmd.HeaderCommandSize + gpucmd.ResourceCopySizeOffset },
			expected: cmdbuf.ErrInvalidParameter,
		},
		"DuplicatePatch": {
			mutate:   func(args *validator.RenderArgs) { args.PatchLocationsIn[1].PatchOffset = args.PatchLocationsIn[0].PatchOffset },
			expected: cmdbuf.ErrInvalidParameter,
		},
		"MissingPatch": {
			mutate:   func(args *validator.RenderArgs) { args.PatchLocationsIn = args.PatchLocationsIn[:1] },
			expected: cmdbuf.ErrInvalidParameter,
		},
		"ExtentBeyondAllocation": {
			mutate:   func(args *validator.RenderArgs) { args.PatchLocationsIn[0].AllocationOffset = 1 },
			expected: cmdbuf.ErrInvalidParameter,
		},
		"PatchListShrunk": {
			mutate:   func(args *validator.RenderArgs) { args.PatchLocationsOut = args.PatchLocationsOut[:1] },
			expected: cmdbuf.ErrInvalidParameter,
		},
		"CommandLengthBeyondProducerMemory": {
			mutate:   func(args *validator.RenderArgs) { args.CommandLength = len(args.Commands) + 8 },
			expected: cmdbuf.ErrInvalidParameter,
		},
		"DmaBufferTooSmall": {
			mutate:   func(args *validator.RenderArgs) { args.DmaBuffer = make([]byte, 16) },
			expected: cmdbuf.ErrInvalidParameter,
		},
		"HeaderOnly": {
			mutate:   func(args *validator.RenderArgs) { args.CommandLength = gpucmd.HeaderCommandSize },
			expected: cmdbuf.ErrInvalidCommandBuffer,
		},
		"EmptyBuffer": {
			mutate:   func(args *validator.RenderArgs) { args.CommandLength = 0 },
			expected: cmdbuf.ErrInvalidCommandBuffer,
		},
		"GarbledHeader": {
			mutate: func(args *validator.RenderArgs) {
				garbled := append([]byte(nil), args.Commands...)
				binary.LittleEndian.PutUint32(garbled, uint32(gpucmd.CommandResourceCopy))
				args.Commands = garbled
			},
			expected: cmdbuf.ErrInvalidCommandBuffer,
		},
		"UnknownCommand": {
			mutate: func(args *validator.RenderArgs) {
				extended := append(append([]byte(nil), args.Commands...), make([]byte, 16)...)
				binary.LittleEndian.PutUint32(extended[args.CommandLength:], 77)
				binary.LittleEndian.PutUint32(extended[args.CommandLength+4:], 16)
				args.Commands = extended
				args.CommandLength += 16
			},
			expected: cmdbuf.ErrInvalidCommandBuffer,
		},
		"TruncatedRecord": {
			mutate:   func(args *validator.RenderArgs) { args.CommandLength -= 8 },
			expected: cmdbuf.ErrInvalidCommandBuffer,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			registryMock := mock_validator.NewMockAllocationRegistry(ctrl)
			registryMock.EXPECT().Lookup(owner, dstHandle).Return(dstInfo, nil).AnyTimes()
			registryMock.EXPECT().Lookup(owner, srcHandle).Return(srcInfo, nil).AnyTimes()

			buffer := recordCopies(t, ctrl, 1, 4096)
			original := append([]byte(nil), buffer.Bytes()...)
			args := renderArgs(buffer)
			testCase.mutate(&args)

			v := validator.New(testLogger(), registryMock)
			info, res, err := v.Render(context.Background(), args)
			require.Nil(t, info)
			require.True(t, errors.Is(err, testCase.expected), "unexpected error: %+v", err)
			require.NotEqual(t, core1_0.VKSuccess, res)
			require.Equal(t, original, buffer.Bytes())
		})
	}
}

func TestRender_RegistryFailures(t *testing.T) {
	testCases := map[string]error{
		"NotOwned":    registry.ErrNotOwned,
		"NotResident": registry.ErrNotResident,
		"Unknown":     registry.ErrUnknownAllocation,
	}

	for name, lookupErr := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			registryMock := mock_validator.NewMockAllocationRegistry(ctrl)
			registryMock.EXPECT().Lookup(owner, dstHandle).Return(dstInfo, nil).AnyTimes()
			registryMock.EXPECT().Lookup(owner, srcHandle).Return(registry.AllocationInfo{}, errors.Wrap(lookupErr, "lookup")).Times(1)

			buffer := recordCopies(t, ctrl, 1, 4096)

			v := validator.New(testLogger(), registryMock)
			info, _, err := v.Render(context.Background(), renderArgs(buffer))
			require.Nil(t, info)
			require.True(t, errors.Is(err, cmdbuf.ErrInvalidParameter))
			require.True(t, errors.Is(err, lookupErr))
		})
	}
}

func TestRender_FaultIsInvalidParameter(t *testing.T) {
	ctrl := gomock.NewController(t)
	registryMock := mock_validator.NewMockAllocationRegistry(ctrl)
	registryMock.EXPECT().Lookup(gomock.Any(), gomock.Any()).DoAndReturn(func(owner registry.ContextID, h handle.Handle) (registry.AllocationInfo, error) {
		var producer []byte
		_ = producer[h]
		return registry.AllocationInfo{}, nil
	})

	buffer := recordCopies(t, ctrl, 1, 4096)

	v := validator.New(testLogger(), registryMock)
	info, res, err := v.Render(context.Background(), renderArgs(buffer))
	require.Nil(t, info)
	require.True(t, errors.Is(err, cmdbuf.ErrInvalidParameter))
	require.Equal(t, core1_0.VKErrorUnknown, res)
}

func TestRender_CanceledContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	registryMock := mock_validator.NewMockAllocationRegistry(ctrl)
	buffer := recordCopies(t, ctrl, 1, 4096)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := validator.New(testLogger(), registryMock)
	_, _, err := v.Render(ctx, renderArgs(buffer))
	require.ErrorIs(t, err, context.Canceled)
}
