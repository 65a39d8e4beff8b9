// Package signing adapts the external key-management collaborator into the
// sign/verify/hash surface the consensus components consume. Private key
// material only ever lives inside a KeyManager implementation.
package signing
