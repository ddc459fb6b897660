// Package google acquires Gmail access tokens for a Workspace user through
// domain-wide delegation, without a service account key on disk.
//
// The exchange runs three hops on every call:
//
//  1. The ambient credential of the process (metadata server, workload
//     identity or ADC file) is refreshed for the cloud-platform scope.
//  2. The IAM credentials API signs a JWT for the service account whose sub
//     claim is the user to impersonate.
//  3. The signed JWT is traded at the OAuth token endpoint with the
//     jwt-bearer grant for an access token.
//
// Failures are reported as *AuthError tagged with the failing Stage. When
// Google refuses the delegation the error is an *AuthorizationError carrying
// the provider payload; it also matches ErrNotAuthorized.
package google
