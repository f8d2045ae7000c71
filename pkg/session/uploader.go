package session

import (
	"io"

	"github.com/orneryd/clstream/pkg/codec"
	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/handle"
)

// Stream returns a ChunkSeq that uploads seq in groups of at most
// groupSize bytes. groupSize<=0 uses the session's configured default. Each
// call to the returned sequence's Next blocks on the host-side map/encode
// step but not on device completion: the returned chunk's ready event may
// still be pending.
func Stream[T any](s *Session, seq ElementSeq[T], cd codec.Codec[T], groupSize int) ChunkSeq[T] {
	if groupSize <= 0 {
		groupSize = s.cfg.GroupSize
	}
	return &uploader[T]{sess: s, seq: seq, codec: cd, groupSize: groupSize}
}

type uploader[T any] struct {
	sess      *Session
	seq       ElementSeq[T]
	codec     codec.Codec[T]
	groupSize int
}

func (u *uploader[T]) HasNext() bool { return u.seq.HasNext() }

// Next uploads the next group of elements as one Chunk. Unified-memory
// devices reuse the mapped host buffer directly as the chunk's device
// buffer; staged devices copy into a fresh device-only buffer and release
// the host staging buffer once the copy completes.
func (u *uploader[T]) Next() (*Chunk[T], error) {
	if !u.seq.HasNext() {
		return nil, io.EOF
	}
	sizeOf := u.codec.SizeOf()
	capElems := u.groupSize / sizeOf
	if capElems <= 0 {
		capElems = 1
	}
	groupBytes := capElems * sizeOf

	hostMem, err := u.sess.ctx.CreateBuffer(compute.MemAllocHostPtr|compute.MemReadWrite, groupBytes, nil)
	if err != nil {
		return nil, err
	}

	window, mapEv, err := u.sess.queue.EnqueueMapBuffer(hostMem, true, compute.MapWriteInvalidateRegion, 0, groupBytes, nil)
	if err != nil {
		hostMem.Release()
		return nil, err
	}
	handle.SafeReleaseEvent(mapEv)

	copied := 0
	for copied < capElems && u.seq.HasNext() {
		u.codec.Encode(copied, window, u.seq.Next())
		copied++
	}

	unmapEv, err := u.sess.queue.EnqueueUnmapMemObject(hostMem, window, nil)
	if err != nil {
		hostMem.Release()
		return nil, err
	}

	if u.sess.unified {
		return newChunk[T](u.sess, u.codec, copied, groupBytes, hostMem, unmapEv), nil
	}

	copiedBytes := copied * sizeOf
	deviceMem, err := u.sess.ctx.CreateBuffer(compute.MemReadOnly, copiedBytes, nil)
	if err != nil {
		handle.SafeReleaseEvent(unmapEv)
		hostMem.Release()
		return nil, err
	}
	copyEv, err := u.sess.queue.EnqueueCopyBuffer(hostMem, deviceMem, 0, 0, copiedBytes, []compute.Event{unmapEv})
	handle.SafeReleaseEvent(unmapEv)
	if err != nil {
		deviceMem.Release()
		hostMem.Release()
		return nil, err
	}
	copyEv.SetCallback(func(error) { hostMem.Release() })
	return newChunk[T](u.sess, u.codec, copied, copiedBytes, deviceMem, copyEv), nil
}
