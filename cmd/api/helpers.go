package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type envelope map[string]any

// jsonFor marshals an envelope the same way writeJSON renders it, so cached
// responses are byte-identical to freshly rendered ones.
func jsonFor(data envelope) ([]byte, error) {
	js, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return nil, err
	}
	return append(js, '\n'), nil
}

// writeJSON helper takes the destination http.ResponseWriter, the HTTP status
// code to send, the data to encode to JSON, and a header map containing any
// additional HTTP headers we want to include in the response.
func writeJSON(w http.ResponseWriter, status int, data envelope, headers http.Header) error {
	js, err := jsonFor(data)
	if err != nil {
		return err
	}

	for key, value := range headers {
		w.Header()[key] = value
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(js)
	if err != nil {
		return err
	}
	return nil
}

// readJSON decodes the request body into dst, limiting the body size and
// rejecting unknown fields and trailing content.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	maxBytes := 1_048_576
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("body must only contain a single JSON value")
	}

	return nil
}

// readIDParam parses the id route parameter as a UUID.
func readIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid order ID")
	}
	return id, nil
}
