package acs

import (
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"acsd/internal/soap"
)

// serverAgent identifies the ACS in response headers.
const serverAgent = "acsd"

// reply writes a plain status reply.
func reply(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	if body != "" {
		io.WriteString(w, body)
	}
}

// replyXML serializes an envelope as a 200 response. A serialization failure
// degrades to a 500 reply.
func replyXML(w http.ResponseWriter, log zerolog.Logger, env *soap.Envelope) {
	data, err := env.Encode()
	if err != nil {
		replyError(w, log, err)
		return
	}

	w.Header().Set("User-Agent", serverAgent)
	w.Header().Set("Content-type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// replyError writes a 500 reply carrying the diagnostic text.
func replyError(w http.ResponseWriter, log zerolog.Logger, err error) {
	log.Error().Err(err).Msg("Internal server error")
	reply(w, http.StatusInternalServerError, fmt.Sprintf("Server internal error: %v\n", err))
}
