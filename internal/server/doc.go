// Package server hosts the Fiber HTTP service and its request middleware
// chain. It builds the app with panic recovery and per-request identifiers;
// the DICOM web handlers and the diagnostics routes are mounted by their own
// packages (dicomweb, routes) so this package keeps no domain dependencies.
package server
