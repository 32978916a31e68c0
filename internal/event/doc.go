// Package event defines the unit of the context log: the EventEnvelope,
// the raw Submission producers send, and the constrained payload value
// types with their canonical JSON serialization.
//
// Payloads are restricted to strings, 64-bit integers, booleans, arrays,
// and objects. Floats are forbidden: the context view must be a
// byte-identical function of the log prefix, and float formatting is not
// stable across platforms. Serialization follows RFC 8785 canonical JSON
// (UTF-16 key ordering, NFC-normalized strings, no HTML escaping) so the
// same payload always produces the same bytes.
package event
