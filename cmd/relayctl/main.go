// Command relayctl administers a relay gateway.
//
// Credential, pricing and model commands write to the gateway database
// directly and read the same RELAY_* environment as the server. Health,
// stats, spend and provider commands call the admin API.
//
// Usage:
//
//	# Issue a client credential
//	relayctl keys issue --name ci --user u1
//
//	# Register an upstream provider secret as the default for a user
//	RELAY_UPSTREAM_SECRET=sk-... relayctl upstream add --provider openai --user u1 --default
//
//	# Show provider health through the admin API
//	relayctl health --url http://localhost:8080 --admin-token $RELAY_ADMIN_TOKEN
package main

func main() {
	Execute()
}
