// Package cryptoutil verifies signed policy documents.
//
// Signatures are made offline with an AWS KMS asymmetric key. The verifier fetches the public key
// once and checks signatures locally, so a poll never costs a KMS call after the first.
// Supported keys are ECDSA P-256/P-384 and RSA (PSS, PKCS1v15 only when allowed).
package cryptoutil
