// Package alert models National Weather Service severe-weather alert
// products and the identifiers carried inside them.
//
// # VTEC
//
// Most alert products carry a single structured line of the form:
//
//	/O.NEW.KCLE.SV.W.0042.251220T1815Z-251220T1900Z/
//
// decoded as product class (O=Operational, T=Test, E=Experimental),
// action code, four-letter office, two-letter phenomenon, one-letter
// significance, four-digit event tracking number, and a begin/end time
// window. Flood products carry a second, hydrologic line (HVTEC)
// encoding flood severity, immediate cause, and record status.
//
// # UGC
//
// Every segment opens with a block of geographic codes of the form
// SSXnnn[-nnn]*-DDHHMM, where SS is a two-letter state, X is C (county)
// or Z (forecast zone), and the trailing DDHHMM is a UTC expiration
// stamp shared by the whole block.
//
// # Product identity
//
// Watches (significance A) are issued by the Storm Prediction Center
// without a per-office VTEC office field, so their product_id omits the
// office: "{phenomenon}A.{tracking_number}". Warnings and all other
// significances include the office with its leading "K" dropped:
// "{phenomenon}.{office}.{tracking_number}". Special Weather Statements
// without a VTEC line get "SPS.adhoc.{issue minute}.{SHA-1 prefix of the
// sorted UGC codes}"; other products without VTEC derive product_id from
// a SHA-1 of the header office, product type, issue time, and first UGC
// code.
package alert
