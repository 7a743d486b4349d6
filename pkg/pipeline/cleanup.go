package pipeline

import (
	"sync"

	"voxgate/pkg/media"
)

// cleanup guarantees teardown of the guarded region in fixed order: release
// the processing slot, stop the typing indicator, release the scratch file.
//
// Run is idempotent so the deferred safety-net call is a no-op after the
// explicit pre-messaging call, and nil members make it safe on invocations
// that never reached the corresponding stage.
type cleanup struct {
	once       sync.Once
	release    func()
	stopTyping func()
	scratch    *media.ScratchFile
}

func newCleanup(release func(), stopTyping func(), scratch *media.ScratchFile) *cleanup {
	return &cleanup{release: release, stopTyping: stopTyping, scratch: scratch}
}

func (c *cleanup) Run() {
	c.once.Do(func() {
		if c.release != nil {
			c.release()
		}
		if c.stopTyping != nil {
			c.stopTyping()
		}
		c.scratch.Release()
	})
}
