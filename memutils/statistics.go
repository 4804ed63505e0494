package memutils

import "math"

// Statistics summarizes the command buffers owned by a pool, or by a single queue class within a pool
type Statistics struct {
	BufferCount    int
	FreeCount      int
	RecordingCount int
	InFlightCount  int
	CapacityBytes  int
	UsedBytes      int
}

func (s *Statistics) Clear() {
	s.BufferCount = 0
	s.FreeCount = 0
	s.RecordingCount = 0
	s.InFlightCount = 0
	s.CapacityBytes = 0
	s.UsedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BufferCount += other.BufferCount
	s.FreeCount += other.FreeCount
	s.RecordingCount += other.RecordingCount
	s.InFlightCount += other.InFlightCount
	s.CapacityBytes += other.CapacityBytes
	s.UsedBytes += other.UsedBytes
}

// DetailedStatistics extends Statistics with the spread of used bytes across buffers that are not free
type DetailedStatistics struct {
	Statistics
	CommandCount    int
	UsedBytesMin    int
	UsedBytesMax    int
	PatchCount      int
	AllocationCount int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.CommandCount = 0
	s.UsedBytesMin = math.MaxInt
	s.UsedBytesMax = 0
	s.PatchCount = 0
	s.AllocationCount = 0
}

// AddBuffer accounts for a single buffer that is in use, with the given number of used bytes, commands,
// patch locations and allocation list entries
func (s *DetailedStatistics) AddBuffer(usedBytes, commands, patches, allocations int) {
	s.UsedBytes += usedBytes
	s.CommandCount += commands
	s.PatchCount += patches
	s.AllocationCount += allocations

	if usedBytes < s.UsedBytesMin {
		s.UsedBytesMin = usedBytes
	}

	if usedBytes > s.UsedBytesMax {
		s.UsedBytesMax = usedBytes
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.CommandCount += other.CommandCount
	s.PatchCount += other.PatchCount
	s.AllocationCount += other.AllocationCount

	if other.UsedBytesMin < s.UsedBytesMin {
		s.UsedBytesMin = other.UsedBytesMin
	}

	if other.UsedBytesMax > s.UsedBytesMax {
		s.UsedBytesMax = other.UsedBytesMax
	}
}
