package validator

import "github.com/vkngwrapper/core/v2/common"

// DmaBufferFlags describe how a validated command buffer is executed
type DmaBufferFlags int32

var dmaBufferFlagsMapping = common.NewFlagStringMapping[DmaBufferFlags]()

func (f DmaBufferFlags) Register(str string) {
	dmaBufferFlagsMapping.Register(f, str)
}
func (f DmaBufferFlags) String() string {
	return dmaBufferFlagsMapping.FlagsToString(f)
}

const (
	// DmaBufferRender is set for every buffer submitted through Validator.Render
	DmaBufferRender DmaBufferFlags = 1 << iota
	// DmaBufferSoftwareCommandBuffer marks a buffer whose commands are emulated rather than executed by
	// hardware
	DmaBufferSoftwareCommandBuffer
)

func init() {
	DmaBufferRender.Register("DmaBufferRender")
	DmaBufferSoftwareCommandBuffer.Register("DmaBufferSoftwareCommandBuffer")
}
