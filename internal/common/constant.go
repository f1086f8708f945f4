package common

// AuthorizationHeaderName carries the bearer token on inbound REST requests.
const AuthorizationHeaderName = "Authorization"

// PartialEvidenceHeaderName is set on claim packet responses that were
// assembled without some of the requested evidence bytes.
const PartialEvidenceHeaderName = "X-Partial-Evidence"

// Disclaimer accompanies every advisory cost figure.
const Disclaimer = "This is a non-binding advisory estimate. Actual costs may vary."
