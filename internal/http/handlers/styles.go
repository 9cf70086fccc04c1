package handlers

import (
	"net/http"
)

type stylesResponse struct {
	Styles       []string `json:"styles"`
	DefaultStyle string   `json:"default_style"`
	Templates    []string `json:"templates"`
}

func (a *App) ListStyles(w http.ResponseWriter, r *http.Request) {
	styles := a.Pipeline.Styles()
	templates, err := a.Pipeline.Templates().IDs()
	if err != nil {
		a.Logger.Error().Err(err).Msg("list templates")
		a.error(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	if templates == nil {
		templates = []string{}
	}
	a.json(w, http.StatusOK, stylesResponse{
		Styles:       styles.Names(),
		DefaultStyle: styles.Default(),
		Templates:    templates,
	})
}
