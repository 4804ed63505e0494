package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to a multiple of alignment, which must be a power of two. ok is false when
// the result does not fit in 64 bits.
func AlignUp(value uint64, alignment uint) (aligned uint64, ok bool) {
	mask := uint64(alignment) - 1
	aligned = (value + mask) &^ mask
	return aligned, aligned >= value
}

// CheckRange verifies that the range [offset, offset+length) lies within a region of regionSize bytes.
// Overflowing ranges are reported as out of bounds.
func CheckRange(offset, length, regionSize uint64) error {
	end := offset + length
	if end < offset || end > regionSize {
		return cerrors.Wrapf(OutOfBoundsError, "range [%d, %d+%d) exceeds region of %d bytes", offset, offset, length, regionSize)
	}
	return nil
}

// CheckedCopy copies length bytes from src[srcOffset:] to dst[dstOffset:]. Both ranges are checked
// before any byte is written, so a failed copy leaves dst untouched.
func CheckedCopy(dst []byte, dstOffset int, src []byte, srcOffset int, length int) error {
	if dstOffset < 0 || srcOffset < 0 || length < 0 {
		return cerrors.Wrapf(OutOfBoundsError, "negative copy parameters: dst offset %d, src offset %d, length %d", dstOffset, srcOffset, length)
	}

	err := CheckRange(uint64(srcOffset), uint64(length), uint64(len(src)))
	if err != nil {
		return cerrors.Wrap(err, "copy source")
	}
	err = CheckRange(uint64(dstOffset), uint64(length), uint64(len(dst)))
	if err != nil {
		return cerrors.Wrap(err, "copy destination")
	}

	copy(dst[dstOffset:dstOffset+length], src[srcOffset:srcOffset+length])
	return nil
}
