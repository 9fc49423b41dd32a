package syncsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNothingIsQueuedAfterADroppedFrame(t *testing.T) {
	a := NewAuthority(AuthorityConfig{SendBuffer: 1})
	defer a.Close()

	for i := 0; i < 200; i++ {
		p := a.addPeer("slow")
		a.enqueue(p, Frame{Type: FrameBroadcast, Timestamp: 98})
		a.enqueue(p, Frame{Type: FrameBroadcast, Timestamp: 99})

		select {
		case <-p.done:
		default:
			require.FailNow(t, "peer was not closed after its buffer overflowed")
		}
		f := <-p.send
		assert.Equal(t, uint64(98), f.Timestamp)

		a.enqueue(p, Frame{Type: FrameAck, Timestamp: 100})
		require.Empty(t, p.send, "frame queued after a dropped broadcast in run %d", i)
		a.removePeer(p)
	}
}

func TestClosedPeerReceivesNothing(t *testing.T) {
	a := NewAuthority(AuthorityConfig{SendBuffer: 4})
	defer a.Close()
	p := a.addPeer("gone")
	p.close()
	p.close()
	a.enqueue(p, Frame{Type: FrameAck, Timestamp: 1})
	assert.Empty(t, p.send)
}
