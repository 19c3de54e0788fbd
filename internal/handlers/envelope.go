package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/chanwatch/backend/internal/accounts"
	"github.com/chanwatch/backend/internal/invites"
)

// envelope is the uniform response body. Exactly one of the two
// fields is set.
type envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

func writeSuccess(w http.ResponseWriter) {
	writeData(w, map[string]bool{"success": true})
}

func writeError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope{Error: message}); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

// writeStoreError translates known store errors into client-facing
// messages; anything else is logged and reported generically.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accounts.ErrAccountDoesNotExist):
		writeError(w, "Account does not exist")
	case errors.Is(err, accounts.ErrAccountAlreadyExists):
		writeError(w, "Account already exists")
	case errors.Is(err, accounts.ErrAccountIsNotValid):
		writeError(w, "Account is not valid")
	case errors.Is(err, invites.ErrInviteNotAvailable):
		writeError(w, "Invite does not exist, has expired or was already accepted")
	default:
		logrus.WithError(err).Error("request failed")
		writeError(w, "Something went wrong, try again later")
	}
}
