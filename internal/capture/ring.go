package capture

import "fmt"

// framesPerBlock is the number of frames in a ring block.
const framesPerBlock = 128

// ringSize computes the frame size, block size and number of blocks of a
// TPACKET_V3 ring of about ringMB megabytes for frames of snapLen bytes.
// Frames are a divisor or a multiple of the page size, so blocks are a
// multiple of both the page size and the frame size.
func ringSize(ringMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	if ringMB <= 0 {
		return 0, 0, 0, fmt.Errorf("ring size must be positive, got %d MB", ringMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 {
		return 0, 0, 0, fmt.Errorf("page size must be positive, got %d", pageSize)
	}

	if snapLen < pageSize {
		frameSize = pageSize / (pageSize / snapLen)
	} else {
		frameSize = (snapLen/pageSize + 1) * pageSize
	}
	blockSize = frameSize * framesPerBlock
	numBlocks = ringMB * (1 << 20) / blockSize
	if numBlocks < 1 {
		return 0, 0, 0, fmt.Errorf("ring of %d MB is smaller than one block of %d bytes", ringMB, blockSize)
	}
	return frameSize, blockSize, numBlocks, nil
}
