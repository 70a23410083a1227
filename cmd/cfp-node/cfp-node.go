/*
CFP node
*/
package main

import "github.com/esa/nmf-mission-ops-sat-sub001/cmd/cfp-node/commands"

func main() {
	commands.Execute()
}
