// Package secure keeps credential material out of plain Go memory.
//
// Passwords and assembled connection strings handed out by the broker are
// held in memguard enclaves: encrypted at rest (XSalsa20Poly1305), mlocked
// where the platform allows it, and decrypted only for the duration of a
// Reveal call.
//
//	pw := secure.NewString("s3cr3t")
//	plain, err := pw.Reveal()
//
// A String is immutable. Destroy drops the enclave; later Reveal calls
// return ErrDestroyed.
//
// This does not protect against an attacker with access to the running
// process, nor against the plaintext copies callers make after Reveal.
package secure
