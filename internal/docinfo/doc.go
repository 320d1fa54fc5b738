// Package docinfo inspects local document files before submission.
//
// The CLI uses it to turn a path into a file:// URI and to fill in the content
// type and page count hints carried by a submit request. Remote URIs are passed
// through untouched; the pipeline never reads documents itself.
package docinfo
