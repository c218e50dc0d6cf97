// Package receiver implements the collector's HTTP surface.
//
// POST /api/v1/uploads accepts a multipart body with an "image" file part and
// a "metadata" JSON part. The metadata must pass types.ResultFields.Validate;
// an image part declaring a non-image Content-Type is rejected. Accepted
// images are written atomically to the storage directory and indexed in the
// store, and the reply is 201 with the new submission id. Any other outcome is
// a 4xx the agent treats as a failed attempt.
//
// GET /api/v1/uploads lists indexed submissions, newest first.
// GET /health reports liveness and the number of indexed submissions.
//
// Authentication is applied around this handler (see package auth).
package receiver
