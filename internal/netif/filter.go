package netif

import (
	"encoding/binary"

	"golang.org/x/net/bpf"

	"firestige.xyz/netstack/internal/wire"
)

// MACFilter returns a classic BPF program that accepts frames whose
// destination is mac or broadcast and rejects everything else.
func MACFilter(mac wire.MAC) []bpf.Instruction {
	hi := binary.BigEndian.Uint32(mac[0:4])
	lo := uint32(binary.BigEndian.Uint16(mac[4:6]))
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: hi, SkipTrue: 0, SkipFalse: 2},
		bpf.LoadAbsolute{Off: 4, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: lo, SkipTrue: 4, SkipFalse: 0},
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xffffffff, SkipTrue: 0, SkipFalse: 3},
		bpf.LoadAbsolute{Off: 4, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xffff, SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: snapLen},
		bpf.RetConstant{Val: 0},
	}
}

// recomputeSize derives an AF_PACKET ring geometry from a memory budget:
// frames aligned to TPACKET_ALIGNMENT, blocks a multiple of both the page
// size and the frame size.
func recomputeSize(ringBufferSizeMB, frameLen, pageSize int) (frameSize, blockSize, numBlocks int) {
	const tpacketAlignment = 16
	const tpacketHdrLen = 52

	if ringBufferSizeMB <= 0 {
		ringBufferSizeMB = 1
	}
	frameSize = ((tpacketHdrLen + frameLen + tpacketAlignment - 1) / tpacketAlignment) * tpacketAlignment

	blockSize = lcm(pageSize, frameSize)
	if maxBlockSize := 4 << 20; blockSize > maxBlockSize {
		// fall back to whole frames per page-aligned block
		blockSize = ((maxBlockSize / frameSize) * frameSize / pageSize) * pageSize
		if blockSize < pageSize {
			blockSize = pageSize
		}
	}

	numBlocks = (ringBufferSizeMB << 20) / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
