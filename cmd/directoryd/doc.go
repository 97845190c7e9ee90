// Command directoryd serves the tenant directory and coordination API.
//
// The directory stores KEK version metadata, provisioning blobs sealed to
// member public keys, promotion requests carrying encrypted shares, and
// recovery sessions. It never receives plaintext key material.
//
// Records live in one or more stores given with --store; with several,
// writes go to all of them and reads are served by the first that answers.
//
//	directoryd --store sqlite:///var/lib/kek/directory.db \
//	    --store s3://backup-bucket/directory?region=eu-west-1 \
//	    --token-secret "$TOKEN_SECRET" --listen-addr 0.0.0.0:8080
//
// Members are added and tokens issued against the same stores:
//
//	directoryd --store sqlite:///var/lib/kek/directory.db register-user --tenant acme --user alice
//	directoryd --token-secret "$TOKEN_SECRET" issue-token --tenant acme --user alice
//
// Settings may also come from the environment or a .env file.
package main
