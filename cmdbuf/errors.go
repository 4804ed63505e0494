package cmdbuf

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

var (
	// ErrInsufficientSpace is returned by the Encoder when a command buffer cannot hold an operation. It
	// drives buffer spill inside CommandList and is never returned to the caller of a CommandList.
	ErrInsufficientSpace = errors.New("insufficient space in command buffer")
	// ErrInvalidCommandBuffer rejects a submission whose command bytes are garbled or empty
	ErrInvalidCommandBuffer = errors.New("invalid command buffer")
	// ErrInvalidParameter rejects an operation or submission with an out-of-range or forged argument
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrDeviceRemoved is session-fatal: the session can make no further progress
	ErrDeviceRemoved = errors.New("device removed")
	// ErrOutOfMemory is session-fatal: a required resource could not be created
	ErrOutOfMemory = errors.New("out of memory")
	// ErrPoolExhausted is returned when no command buffer of the requested class can be acquired. It is
	// not fatal: the caller may wait for outstanding work to complete and retry.
	ErrPoolExhausted = errors.New("command buffer pool exhausted")
	// ErrNotRecording is returned when a recording operation is issued to a command list that is not recording
	ErrNotRecording = errors.New("command list is not recording")
	// ErrFenceNotReached is returned when releasing a buffer whose work has not completed on the GPU
	ErrFenceNotReached = errors.New("command buffer fence has not been reached")
	// ErrInvalidBufferState is returned when a command buffer is handed to an operation that does not
	// accept buffers in its current state
	ErrInvalidBufferState = errors.New("invalid command buffer state")
)

// IsFatal reports whether err should end the session that produced it
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceRemoved) || errors.Is(err, ErrOutOfMemory)
}

// ResultFromError maps an error returned by this module to the VkResult reported to an error sink
func ResultFromError(err error) common.VkResult {
	switch {
	case err == nil:
		return core1_0.VKSuccess
	case errors.Is(err, ErrDeviceRemoved):
		return core1_0.VKErrorDeviceLost
	case errors.Is(err, ErrOutOfMemory), errors.Is(err, ErrPoolExhausted):
		return core1_0.VKErrorOutOfHostMemory
	}

	return core1_0.VKErrorUnknown
}
