// Package httpstage reaches a stage collaborator over HTTP.
//
// Each invocation POSTs a JSON envelope carrying either the document
// reference or the previous stage's output, and decodes the collaborator's
// output from the response. HTTP and transport failures are classified into
// transient and permanent stage errors so the supervisor can decide whether
// to retry.
package httpstage
