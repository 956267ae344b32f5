package dimse

import (
	"context"
	"io"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
)

// Response is one DIMSE response: the command set and, for C-FIND pending
// responses, the matched identifier.
type Response struct {
	Command *dcm.Attributes
	Data    *dcm.Attributes
}

// Status returns the command status, or -1 when it is missing.
func (r Response) Status() int {
	return r.Command.IntOr(dcm.Status, -1)
}

// ResponseHandler receives responses in arrival order on a toolkit owned
// goroutine.
type ResponseHandler func(Response)

// AssociateRequest describes the association the broker proposes.
type AssociateRequest struct {
	CallingAETitle   string
	CalledAETitle    string
	Host             string
	Port             int
	AbstractSyntax   string
	TransferSyntaxes []string
	// ExtendedNegotiation asks for relational, date-time and fuzzy matching
	// support on query associations.
	ExtendedNegotiation bool
}

// Association is an established association.
//
// CFind and CMove send the request and return once it is written; responses
// arrive through the handler. Cancelling the context passed to CFind or CMove
// makes the toolkit send C-CANCEL for that exchange and stop delivering
// further pending responses.
type Association interface {
	ReadyForDataTransfer() bool
	RemoteAETitle() string
	CFind(ctx context.Context, sopClassUID string, keys *dcm.Attributes, handler ResponseHandler) error
	CMove(ctx context.Context, sopClassUID string, keys *dcm.Attributes, destination string, handler ResponseHandler) error
	// WaitForOutstandingResponses blocks until every issued exchange has
	// delivered its final response, or ctx is done.
	WaitForOutstandingResponses(ctx context.Context) error
	Release() error
}

// Dialer opens associations.
type Dialer interface {
	Dial(ctx context.Context, req AssociateRequest) (Association, error)
}

// Dataset is a decoded inbound object.
type Dataset interface {
	String(tag dcm.Tag) string
	// Encode writes the dataset, without file meta, in the given transfer
	// syntax.
	Encode(w io.Writer, transferSyntax string) error
}

// StoreRequest is one C-STORE received by the listener.
type StoreRequest struct {
	CallingAETitle string
	RemoteAddr     string
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Dataset        Dataset
}

// EchoRequest is one C-ECHO received by the listener.
type EchoRequest struct {
	CallingAETitle string
	RemoteAddr     string
}

// SCPHandler serves inbound requests. A HandleStore error is mapped by the
// toolkit onto a failure status for the C-STORE response.
type SCPHandler interface {
	HandleStore(ctx context.Context, req StoreRequest) error
	HandleEcho(ctx context.Context, req EchoRequest) error
}

// ListenConfig configures the inbound listener.
type ListenConfig struct {
	AETitle string
	Port    int
	// SOPClasses limits the accepted abstract syntaxes; empty accepts every
	// storage class plus verification.
	SOPClasses       []string
	TransferSyntaxes []string
}

// Listener accepts inbound associations until ctx is done.
type Listener interface {
	Serve(ctx context.Context, cfg ListenConfig, handler SCPHandler) error
}

// Toolkit is everything a driver provides.
type Toolkit interface {
	Dialer
	Listener
}
