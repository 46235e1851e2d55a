// Command simkernel runs a demonstration workload on the event scheduling
// kernel.
package main

import "github.com/sarchlab/simkernel/simkernel/cmd"

func main() {
	cmd.Execute()
}
