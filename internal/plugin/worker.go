package plugin

import (
	"github.com/rs/zerolog/log"
)

// runWorker is the single consumer of one plugin's message queue. Messages
// are handled in FIFO order across all of the plugin's handles, so plugin
// logic need not be re-entrant.
func (h *Host) runWorker(reg *registration) {
	defer h.wg.Done()

	pkg := reg.plugin.Package()
	log.Debug().Str("plugin", pkg).Str("service", "plugin").Msg("worker started")

	for {
		select {
		case msg := <-reg.queue:
			if msg.Handle.Session.Destroyed() {
				// The session went away while the message was queued.
				continue
			}
			if msg.Handle.PluginState() == nil {
				log.Warn().
					Uint64("handle", msg.Handle.ID).
					Str("plugin", pkg).
					Str("service", "plugin").
					Msg("no plugin state associated with this handle")
				continue
			}
			reg.plugin.HandleMessage(msg.Handle, msg.Transaction, msg.Body, msg.Jsep)
		case <-h.stop:
			log.Debug().Str("plugin", pkg).Str("service", "plugin").Msg("worker stopped")
			return
		}
	}
}
