// Command autorouter-cli is an operator tool for inspecting and
// mutating AutoRouter's circuit breakers and API keys without going
// through the running server's admin HTTP surface.
package main

func main() {
	Execute()
}
