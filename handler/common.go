// Package handler implements the HTTP surface (C8): the OAuth provider
// endpoints, model catalog, inference proxy, and the credits/usage/rate-limit
// read endpoints, all wired on top of the core components rather than
// talking to storage directly.
package handler

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
