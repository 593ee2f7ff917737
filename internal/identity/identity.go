// Package identity implements the coalition instance identity layer.
//
// It provides:
//   - Instance          — creates/loads this instance's EC keypair and certificate,
//     signs data, and verifies counterparty signatures and certificates
//   - TokenIssuer       — issues and verifies ES256 policy-sync client tokens
//   - EnrollmentPayload — the canonical signed form of an enrollment request
package identity
