package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNoOutput is returned when a job process wrote nothing to stdout.
var ErrNoOutput = errors.New("job produced no output on stdout")

// MalformedError carries the stdout that could not be used as a Response.
type MalformedError struct {
	Raw []byte
	Err error
}

func (e *MalformedError) Error() string { return "malformed job response: " + e.Err.Error() }
func (e *MalformedError) Unwrap() error { return e.Err }

// WriteRequest writes req as one line of JSON.
func WriteRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

// ParseResponse decodes a job's stdout. Unknown fields are ignored. When the
// whole output is not one JSON document, the last non-empty line is tried,
// so commands may print progress chatter before their response.
func ParseResponse(out []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, ErrNoOutput
	}

	var resp Response
	err := json.Unmarshal(trimmed, &resp)
	if err != nil {
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			resp = Response{}
			if json.Unmarshal(bytes.TrimSpace(trimmed[i+1:]), &resp) == nil {
				err = nil
			}
		}
	}
	if err == nil {
		err = resp.validate()
	}
	if err != nil {
		return nil, &MalformedError{Raw: out, Err: err}
	}
	return &resp, nil
}

func (r *Response) validate() error {
	switch {
	case r.Status == "":
		return errors.New("missing required field: status")
	case r.Status != StatusOK && r.Status != StatusError:
		return fmt.Errorf("invalid status %q (must be %q or %q)", r.Status, StatusOK, StatusError)
	case r.Status == StatusError && r.Error == "":
		return errors.New("status=error without an error message")
	case r.Progress != nil && (*r.Progress < 0 || *r.Progress > 1):
		return fmt.Errorf("progress %v outside [0,1]", *r.Progress)
	}
	return nil
}
