// lunanet-node runs the base-station side of the lunadev peer protocol: it
// listens on a datagram endpoint, accepts rover connections, negotiates
// channel mappings and consumes telemetry.
package main

import "os"

func main() {
	os.Exit(run(ParseFlags(os.Args[1:])))
}
