// Package sshexec is the SSH plumbing for reaching boxes: key pair
// management, command execution, and file upload.
//
// The controller uses it twice in an instance's life. During bootstrap it
// dials the machine as the image's admin user and runs each role step,
// capturing exit codes and stderr for the failure report. During key
// seeding it uploads the initial authorized_keys content before the
// agent takes over maintenance of the file.
//
// # Keys
//
// Key pairs are ed25519. GenerateKeyPair returns the public half as a
// ready authorized_keys line and the private half as PKCS#8 PEM.
// LoadOrCreateKeyPair persists a pair under a directory with 0600 on the
// private key, generating one on first use; the server uses it for the
// admin identity it bootstraps machines with.
//
// Fingerprint canonicalizes any authorized_keys line to its SHA256
// fingerprint. Fingerprints are the identity of a key everywhere else in
// the system: registration, revocation, and file reconciliation all key
// off them, so two registrations of the same material with different
// comments collapse to one key.
//
// # Running Commands
//
//	client, err := sshexec.Dial(ctx, sshexec.Config{
//	    Host:   inst.Address,
//	    User:   "admin",
//	    Signer: signer,
//	})
//	if err != nil { ... }
//	defer client.Close()
//
//	res, err := client.Run(ctx, "cloud-init status --wait")
//	if err != nil { ... }          // transport failed
//	if res.ExitCode != 0 { ... }   // command failed, see res.Stderr
//
// The split matters: transport errors mean the machine is unreachable
// and the caller should retry or give up on the box, while a non-zero
// exit means the machine is fine and the command is not. Bootstrap
// treats the two very differently.
//
// Host keys are not verified. Every machine this package dials was
// provisioned moments ago, so there is no prior key to pin; trust is
// carried by the admin key pair instead.
//
// # Uploading Files
//
// Upload ships bytes through the exec channel in base64 chunks, avoiding
// any dependency on scp or sftp support on the target. Parent directories
// are created, chunks accumulate in a temp file beside the target, an
// optional mode is applied, and a final mv swaps the file into place so
// remote readers never observe a partial write.
package sshexec
