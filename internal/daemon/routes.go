package daemon

import "github.com/go-chi/chi/v5"

// setupRoutes wires every route spec.md §6 names under the chi router.
func (d *Daemon) setupRoutes() {
	r := d.router

	r.Get("/health", d.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", d.handleStatus)
		r.Get("/logs", d.handleLogs)
		r.Get("/tools", d.handleListTools)

		r.Route("/permissions", func(r chi.Router) {
			r.Get("/rules", d.handleGetPolicy)
			r.Post("/rules", d.handleSetPolicy)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", d.handleCreateSession)
			r.Get("/", d.handleListSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Patch("/", d.handleRenameSession)
				r.Post("/prompt", d.handlePrompt)
				r.Get("/events", d.handleListEvents)
				r.Get("/events/stream", d.handleEventStream)
				r.Get("/permissions", d.handleListPermissions)
				r.Post("/permissions/{requestID}/reply", d.handleReplyPermission)
				r.Post("/cancel", d.handleCancel)
				r.Post("/checkpoint", d.handleCheckpoint)
				r.Post("/revert", d.handleRevert)
			})
		})
	})
}
