// Package dimse defines the broker's contract with a DIMSE protocol toolkit
// (association negotiation, PDU framing and dataset codecs live in the
// toolkit) and builds the association lifecycle on top of it.
//
// Toolkit drivers register themselves under a name with Register, usually
// from an init function, and the binary selects one through configuration.
// The built-in driver lives in package netdimse and registers as "default".
// Session wraps one association for a single logical operation.
package dimse
