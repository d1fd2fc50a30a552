package protocol

// Messages exchanged between a host and its isolated worker.
// Each direction is a closed set: only types in this package implement
// Request or Event.

// Request is a message sent from the parent to an isolated worker.
type Request interface {
	RequestID() string
	isRequest()
}

// Event is a message sent from an isolated worker to its parent.
type Event interface {
	isEvent()
}

// InitPayload carries engine startup parameters.
type InitPayload struct {
	EnginePath string `json:"enginePath"`
	Verbose    bool   `json:"verbose"`
}

// ConvertPayload describes one conversion.
type ConvertPayload struct {
	Input         []byte `json:"inputBytes"`
	SourceExt     string `json:"sourceExt"`
	TargetFormat  string `json:"targetFormatCode"`
	TargetExt     string `json:"targetExt"`
	FilterOptions string `json:"filterOptions,omitempty"`
}

// InitRequest asks the worker to load the module and initialize the engine.
type InitRequest struct {
	ID      string
	Payload InitPayload
}

// ConvertRequest asks the worker to run one conversion.
type ConvertRequest struct {
	ID      string
	Payload ConvertPayload
}

// DestroyRequest asks the worker to destroy the engine and stop.
type DestroyRequest struct {
	ID string
}

func (r *InitRequest) RequestID() string    { return r.ID }
func (r *ConvertRequest) RequestID() string { return r.ID }
func (r *DestroyRequest) RequestID() string { return r.ID }

func (*InitRequest) isRequest()    {}
func (*ConvertRequest) isRequest() {}
func (*DestroyRequest) isRequest() {}

// ConvertResult is the successful outcome of a conversion.
type ConvertResult struct {
	Data []byte `json:"data"`
}

// Response answers exactly one request.
type Response struct {
	ID      string
	Success bool
	Result  *ConvertResult
	Err     *Error
}

// Ready is sent once, unsolicited, after the engine initialized and
// passed its self-check. It precedes the init response.
type Ready struct{}

// Fault reports an unrecoverable failure inside the isolated context.
// No further events follow a Fault.
type Fault struct {
	Reason string
}

func (*Response) isEvent() {}
func (*Ready) isEvent()    {}
func (*Fault) isEvent()    {}
