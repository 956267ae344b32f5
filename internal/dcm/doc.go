// Package dcm holds the slice of the DICOM data model the broker needs:
// tags and value representations, a keyword dictionary backed by the
// standard data dictionary, an attribute tree with nested sequences,
// attribute path identifiers used by QIDO filters, the DICOM JSON / Native
// XML encoders and the Part-10 file meta header.
//
// Dataset decoding and the network encoding live in the DIMSE toolkit driver;
// this package only models what the broker builds, inspects and serializes.
package dcm
