package response

import (
	"encoding/json"
	"net/http"
)

// Envelope is the success envelope for admin reads:
// {"success":true,"data":...}
type Envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// ErrorBody keeps the storefront client contract ({success:false, error})
// and adds a stable code and the request id:
// {"success":false,"error":"...","code":"...","meta":{...},"request_id":"..."}
type ErrorBody struct {
	Success   bool              `json:"success"`
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Meta      map[string]string `json:"meta,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// JSON writes raw JSON with Content-Type.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data wraps payload with {"success":true,"data":...}
func Data(w http.ResponseWriter, status int, payload any) {
	JSON(w, status, Envelope{Success: true, Data: payload})
}

func Fail(w http.ResponseWriter, status int, code, message string, meta map[string]string, requestID string) {
	JSON(w, status, ErrorBody{
		Success:   false,
		Error:     message,
		Code:      code,
		Meta:      meta,
		RequestID: requestID,
	})
}
