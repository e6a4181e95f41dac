// Command sentinelsca runs the Sentinel Compliance Agent: a policy-enforcing
// HTTP gateway in front of agent commands, backed by an ops control pipeline
// that turns a probe-detected incident into an approved, executed
// remediation.
package main

import "github.com/sentinelsca/sca/cmd/sentinelsca/cmd"

func main() {
	cmd.Execute()
}
