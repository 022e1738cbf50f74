package fountain

import (
	"time"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
)

// Observer receives engine events for instrumentation. All methods are
// called with the engine lock held and must not call back into the engine.
type Observer interface {
	FrameDecoded(cmd protocol.Cmd)
	FrameDropped(err error)
	ReassemblerReset()
	CommandSent(cmd protocol.Cmd, attempt int)
	CommandFinished(cmd protocol.Cmd, err error, latency time.Duration)
	SessionState(s SessionState)
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) FrameDecoded(protocol.Cmd)                          {}
func (nopObserver) FrameDropped(error)                                 {}
func (nopObserver) ReassemblerReset()                                  {}
func (nopObserver) CommandSent(protocol.Cmd, int)                      {}
func (nopObserver) CommandFinished(protocol.Cmd, error, time.Duration) {}
func (nopObserver) SessionState(SessionState)                          {}
func (nopObserver) QueueDepth(int)                                     {}
