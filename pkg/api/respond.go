package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds JSON request bodies. Training file uploads go
// through multipart and are bounded separately.
const maxBodyBytes = 16 << 20

// envelope is the uniform response wrapper. Status is "success" for 2xx
// and "failed" otherwise.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func respond(w http.ResponseWriter, code int, data any) {
	respondMsg(w, code, "", data)
}

func respondMsg(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	status := "success"
	if code >= 400 {
		status = "failed"
	}
	_ = json.NewEncoder(w).Encode(envelope{Status: status, Message: message, Data: data})
}

// fail writes the envelope for err at its classified status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	e := toHTTP(err)
	if e.Status >= 500 {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	respondMsg(w, e.Status, e.Message, nil)
}

// decode strictly parses the JSON body into dst and runs its validation
// tags. Unknown fields are rejected so typos surface as 400s.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return Validation("invalid request body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return Validation("%v", err)
	}
	return nil
}

// decodeForm parses a JSON value carried as a multipart form field.
func decodeForm(r *http.Request, field string, dst any) error {
	raw := r.FormValue(field)
	if raw == "" {
		return Validation("missing form field %q", field)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return Validation("invalid %s: %v", field, err)
	}
	if err := validate.Struct(dst); err != nil {
		return Validation("%v", err)
	}
	return nil
}

// queryID returns a required query parameter, typically an entity id.
func queryID(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", Validation("missing query parameter %q", name)
	}
	return v, nil
}
