// Command custodyctl is the operator client for KEK custody.
//
// All key material is generated, split, reconstructed and sealed inside
// this process; the directory only receives ciphertext and metadata.
// The operator password is read from --password-file or CUSTODY_PASSWORD.
//
// First-time setup of a tenant, confirming the generated recovery phrase:
//
//	custodyctl --tenant acme --token "$TOKEN" setup
//
// Promoting a member once enough admins exist. promote prints the
// requester's own share; other holders print theirs with export-share, and
// one approver collects enough of them:
//
//	custodyctl --tenant acme --token "$TOKEN" promote --candidate bob --threshold 3
//	custodyctl --tenant acme --token "$TOKEN_DAVE" export-share REQUEST_ID
//	custodyctl --tenant acme --token "$TOKEN_CAROL" approve REQUEST_ID --share '{"x":7,"y":"..."}' --share '{"x":19,"y":"..."}'
//
// Recovering a version from out-of-band shares pasted one per line:
//
//	custodyctl --tenant acme --token "$TOKEN" recover --version VERSION_ID --threshold 3 --reason "lost laptop"
package main
