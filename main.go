// Package main launches the influxback CLI.
package main

import "github.com/influxback/influxback/cmd"

func main() {
	cmd.Execute()
}
