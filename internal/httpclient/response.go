package httpclient

import (
	"encoding/json"
	"net/http"

	"github.com/baechuer/productbazar-client/internal/domain"
)

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the whole body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return domain.ErrParse(errEmptyBody)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return domain.ErrParse(err)
	}
	return nil
}

// Envelope decodes the standard {success|status, data, message, code, pagination} wrapper.
func (r *Response) Envelope() (domain.Envelope, error) {
	var env domain.Envelope
	err := r.Decode(&env)
	return env, err
}

// Data unwraps the envelope into v. Bodies without a data field are decoded whole.
func (r *Response) Data(v any) error {
	env, err := r.Envelope()
	if err != nil {
		// not an object; let the caller's type decide
		return r.Decode(v)
	}
	if env.Failed() {
		e := domain.New(domain.KindHTTP, env.ErrorCode(), env.ErrorMessage())
		e.Status = r.Status
		return e
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return r.Decode(v)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return domain.ErrParse(err)
	}
	return nil
}

// decodeError maps a non-2xx response to a structured error.
func decodeError(status int, body []byte) *domain.Error {
	var env domain.Envelope
	if err := json.Unmarshal(body, &env); err == nil {
		return domain.FromStatus(status, env.ErrorCode(), env.ErrorMessage())
	}
	return domain.FromStatus(status, "", "")
}
