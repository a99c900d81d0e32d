package server

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/sluiceproject/sluice/core/errs"
)

// writeData writes a JSON-API style success envelope.
func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeError maps an error to its status code and writes the error
// envelope. Unexpected error types become opaque 500s.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	code := errs.Code(err)
	message := "internal server error"
	var data map[string]interface{}
	if e, ok := err.(*errs.Error); ok {
		message = e.Message
		data = e.Data
	}
	if code >= 500 {
		log.WithError(err).Error("request failed")
	} else {
		log.WithError(err).Debug("request rejected")
	}
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if data != nil {
		body["data"] = data
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
