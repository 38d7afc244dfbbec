// cmd/agentgate/main.go
// Binary entrypoint for the agent gateway.  All wiring lives in root.go and
// serve.go; main only delegates to the cobra command tree.
package main

func main() {
	Execute()
}
