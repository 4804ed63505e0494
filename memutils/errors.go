package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfBoundsError is the error returned from CheckedCopy and CheckRange when a requested byte range does not
// lie entirely within the memory region it addresses
var OutOfBoundsError error = errors.New("byte range is out of bounds")
