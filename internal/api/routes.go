package api

import "github.com/go-chi/chi/v5"

// RegisterRoutes registers the tutoring API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.StartSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/step-check", h.StepCheck)
		r.Post("/confirmation-check", h.ConfirmationCheck)
		r.Post("/similar-check", h.SimilarCheck)

		r.Route("/essay", func(r chi.Router) {
			r.Post("/init-session", h.EssayInit)
			r.Post("/chat", h.EssayChat)
			r.Post("/upload-image", h.EssayUploadImage)
			r.Post("/ocr", h.EssayOCR)
			r.Post("/feedback", h.EssayFeedback)
			r.Post("/next-step", h.EssayNextStep)
		})

		r.Get("/library/stats", h.LibraryStats)
	})
}
