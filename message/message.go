// Package message defines the request and response that travel through the
// server's handler chain.
//
// Only the text of a Response crosses the wire; the other fields exist for the
// middleware and logs on the server side.
package message

// Request is one decoded directive.
type Request struct {
	Directive string // Full payload text, e.g. "gettime"
	Session   string // ID of the session the request arrived on
	Seq       uint64 // 1-based position of the request within its session
}

// Response is the outcome of processing a Request.
//
//   - On success: Result holds the text for the client, Error is empty.
//   - On failure: Error describes what went wrong; Retryable marks failures of
//     an external action that may succeed if run again.
type Response struct {
	Result    string
	Error     string
	Retryable bool
}

// Text returns the string sent back to the client.
// Failures are reported in-band so the connection stays usable.
func (r *Response) Text() string {
	if r.Error != "" {
		return "error: " + r.Error
	}
	return r.Result
}
