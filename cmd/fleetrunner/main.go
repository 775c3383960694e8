// Command fleetrunner drives a fleet of Android devices through adb.
package main

import "github.com/devicelab-dev/fleetrunner/pkg/cli"

func main() {
	cli.Execute()
}
