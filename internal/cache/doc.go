// Package cache keeps retrieval state and retrieved objects on local disk.
// Every requested level (study, series, instance) gets a JSON status record
// and retrieved objects are stored as part-10 files below the study:
//
//	<root>/<study>/study.info
//	<root>/<study>/<series>/series.info
//	<root>/<study>/<series>/<instance>.info
//	<root>/<study>/<series>/<instance>.dcm
//
// Objects are written through a .tmp sibling and renamed into place, so a
// reader never observes a half-written file; a failed write leaves an .err
// marker. The Reaper evicts studies whose newest file is older than the
// configured age.
package cache
